package scanning

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/meowmung/meowmung-ledger/internal/receipt"
)

//go:embed prompt.yaml
var promptYAML []byte

// promptConfig is the layout of prompt.yaml.
type promptConfig struct {
	Version string `yaml:"version"`
	System  string `yaml:"system"`
	User    string `yaml:"user"`
}

// Composer builds extraction requests from a fixed, versioned prompt.
type Composer struct {
	version string
	system  string
	user    string
}

// NewComposer renders the embedded prompt template once.
func NewComposer() (*Composer, error) {
	return newComposer(promptYAML)
}

func newComposer(raw []byte) (*Composer, error) {
	var cfg promptConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing prompt config: %w", err)
	}
	if cfg.Version == "" || cfg.System == "" || cfg.User == "" {
		return nil, fmt.Errorf("prompt config requires version, system and user")
	}

	tmpl, err := template.New(cfg.Version).Option("missingkey=error").Parse(cfg.System)
	if err != nil {
		return nil, fmt.Errorf("parsing system prompt: %w", err)
	}

	notReceipt, err := json.Marshal(receipt.NotReceipt())
	if err != nil {
		return nil, fmt.Errorf("marshaling non-receipt record: %w", err)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, map[string]any{
		"Categories":       receipt.Taxonomy,
		"Unreadable":       receipt.Unreadable,
		"UnreadableAmount": receipt.UnreadableAmount,
		"NotReceipt":       string(notReceipt),
	})
	if err != nil {
		return nil, fmt.Errorf("rendering system prompt: %w", err)
	}

	return &Composer{
		version: cfg.Version,
		system:  strings.TrimSpace(buf.String()),
		user:    strings.TrimSpace(cfg.User),
	}, nil
}

// Version identifies the prompt revision.
func (c *Composer) Version() string {
	return c.version
}

// Compose pairs the fixed instructions with payload.
func (c *Composer) Compose(payload Payload) ExtractionRequest {
	return ExtractionRequest{
		SystemInstruction: c.system,
		UserInstruction:   c.user,
		Payload:           payload,
	}
}
