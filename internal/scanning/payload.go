package scanning

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/meowmung/meowmung-ledger/internal/receipt"
)

// DefaultMaxPayloadBytes bounds the base64 payload sent to the model.
const DefaultMaxPayloadBytes = 20 << 20

// jpegQuality keeps text edges intact while cutting size against PNG.
const jpegQuality = 95

// Format is the image serialization used for the payload.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// ParseFormat accepts "png", "jpeg" or "jpg" in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "png":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	}
	return "", fmt.Errorf("unknown payload format %q", s)
}

// MIMEType returns the media type of images serialized in f.
func (f Format) MIMEType() string {
	if f == FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// Payload is an image serialized and base64 encoded for transport.
type Payload struct {
	MIMEType string
	Data     string // standard base64
}

// Bytes returns the decoded image bytes.
func (p Payload) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return data, nil
}

// DataURI renders the payload as a data URI.
func (p Payload) DataURI() string {
	return "data:" + p.MIMEType + ";base64," + p.Data
}

// Encoder serializes images into payloads.
type Encoder struct {
	format   Format
	maxBytes int
}

// NewEncoder creates an encoder. A maxBytes of zero or less uses
// DefaultMaxPayloadBytes.
func NewEncoder(format Format, maxBytes int) *Encoder {
	if format != FormatJPEG {
		format = FormatPNG
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPayloadBytes
	}
	return &Encoder{format: format, maxBytes: maxBytes}
}

// Encode serializes img. It fails with receipt.ErrPayloadTooLarge when the
// base64 data exceeds the configured bound.
func (e *Encoder) Encode(img image.Image) (Payload, error) {
	if img == nil {
		return Payload{}, fmt.Errorf("%w: nil image", receipt.ErrInvalidImage)
	}

	var buf bytes.Buffer
	var err error
	switch e.format {
	case FormatJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality})
	default:
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return Payload{}, fmt.Errorf("encoding %s: %w", e.format, err)
	}

	if n := base64.StdEncoding.EncodedLen(buf.Len()); n > e.maxBytes {
		return Payload{}, fmt.Errorf("%w: %d bytes encoded, limit %d", receipt.ErrPayloadTooLarge, n, e.maxBytes)
	}

	return Payload{
		MIMEType: e.format.MIMEType(),
		Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}
