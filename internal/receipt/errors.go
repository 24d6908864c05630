package receipt

import "errors"

// Error kinds surfaced by the pipeline. Field-level unreadability is never an
// error; it is represented with sentinels on the Record.
var (
	// ErrInvalidImage is returned for degenerate or undecodable input.
	ErrInvalidImage = errors.New("invalid image")

	// ErrModelUnavailable is returned when a super-resolution model cannot be loaded.
	ErrModelUnavailable = errors.New("super-resolution model unavailable")

	// ErrPayloadTooLarge is returned when the encoded image exceeds the size bound.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrExtractionUnavailable is returned when the external model call fails or times out.
	ErrExtractionUnavailable = errors.New("extraction unavailable")

	// ErrMalformedExtraction is returned when the model response has no usable structure.
	ErrMalformedExtraction = errors.New("malformed extraction")
)

// Kind identifies an error class for callers that map errors to status codes.
type Kind string

const (
	KindInvalidImage          Kind = "invalid_image"
	KindModelUnavailable      Kind = "model_unavailable"
	KindPayloadTooLarge       Kind = "payload_too_large"
	KindExtractionUnavailable Kind = "extraction_unavailable"
	KindMalformedExtraction   Kind = "malformed_extraction"
	KindInternal              Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidImage, KindInvalidImage},
	{ErrModelUnavailable, KindModelUnavailable},
	{ErrPayloadTooLarge, KindPayloadTooLarge},
	{ErrExtractionUnavailable, KindExtractionUnavailable},
	{ErrMalformedExtraction, KindMalformedExtraction},
}

// KindOf returns the kind of err, or KindInternal when err wraps none of the
// sentinel errors. KindOf(nil) returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
