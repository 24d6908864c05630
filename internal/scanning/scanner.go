package scanning

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ExtractionRequest is everything sent to the external model for one image.
type ExtractionRequest struct {
	SystemInstruction string
	UserInstruction   string
	Payload           Payload
}

// Extractor sends an extraction request to a vision-capable language model
// and returns its raw text answer.
type Extractor interface {
	// Extract runs one request and returns the raw response text
	Extract(ctx context.Context, req ExtractionRequest) (string, error)
	// Close releases the underlying client
	Close() error
}

// PermanentError marks a backend failure that will not succeed on retry,
// such as a rejected API key.
type PermanentError struct {
	err error
}

func (e *PermanentError) Error() string {
	return e.err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.err
}

// NewPermanentError wraps err as non-retryable.
func NewPermanentError(err error) error {
	return &PermanentError{err: err}
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// permanentStatus reports whether an HTTP status will fail again on retry.
func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout
}

// classifySDKError marks Google SDK errors that will not succeed on retry as
// permanent. REST transports surface a googleapi.Error, gRPC ones a status.
func classifySDKError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if permanentStatus(gerr.Code) {
			return NewPermanentError(err)
		}
		return err
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.NotFound, codes.FailedPrecondition:
		return NewPermanentError(err)
	}
	return err
}
