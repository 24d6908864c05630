package scanning

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

// Vertex implements the Extractor interface using Gemini on Vertex AI.
// Credentials come from the environment (application default credentials).
type Vertex struct {
	client    *genai.Client
	modelName string
}

// NewVertex creates a Vertex AI client for projectID in region.
func NewVertex(ctx context.Context, projectID, region, modelName string) (*Vertex, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("vertex project and region are required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("creating vertex client: %w", err)
	}

	return &Vertex{
		client:    client,
		modelName: modelName,
	}, nil
}

// Extract sends the payload with the request instructions
func (v *Vertex) Extract(ctx context.Context, req ExtractionRequest) (string, error) {
	data, err := req.Payload.Bytes()
	if err != nil {
		return "", err
	}

	model := v.client.GenerativeModel(v.modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(req.SystemInstruction)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	resp, err := model.GenerateContent(ctx,
		genai.ImageData(strings.TrimPrefix(req.Payload.MIMEType, "image/"), data),
		genai.Text(req.UserInstruction),
	)
	if err != nil {
		return "", classifySDKError(fmt.Errorf("generating content: %w", err))
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("no response from vertex")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("vertex response has no text")
	}
	return text.String(), nil
}

// Close closes the Vertex AI client
func (v *Vertex) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}
