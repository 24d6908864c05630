package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meowmung/meowmung-ledger/internal/receipt"
)

// DefaultExtractTimeout bounds a single extraction attempt.
const DefaultExtractTimeout = 60 * time.Second

// Retrying bounds each call of the wrapped Extractor with a timeout and
// retries a failed call at most once with the same request.
type Retrying struct {
	next    Extractor
	timeout time.Duration
	retries int
}

// NewRetrying wraps next. retries is clamped to 0 or 1; a timeout of zero or
// less uses DefaultExtractTimeout.
func NewRetrying(next Extractor, timeout time.Duration, retries int) *Retrying {
	if timeout <= 0 {
		timeout = DefaultExtractTimeout
	}
	retries = max(0, min(retries, 1))
	return &Retrying{next: next, timeout: timeout, retries: retries}
}

// Extract calls the wrapped extractor. Failures surface as
// receipt.ErrExtractionUnavailable; cancellation of ctx is returned without
// retrying.
func (r *Retrying) Extract(ctx context.Context, req ExtractionRequest) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= r.retries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("extracting receipt: %w", err)
		}

		raw, err := r.attempt(ctx, req)
		if err == nil {
			return raw, nil
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("extracting receipt: %w", ctx.Err())
		}
		lastErr = err

		if IsPermanent(err) {
			break
		}
		if attempt <= r.retries {
			slog.Warn("Extraction attempt failed, retrying",
				"attempt", attempt,
				"error", err,
			)
		}
	}
	return "", fmt.Errorf("%w: %w", receipt.ErrExtractionUnavailable, lastErr)
}

func (r *Retrying) attempt(ctx context.Context, req ExtractionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.next.Extract(ctx, req)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("attempt timed out after %s: %w", r.timeout, err)
	}
	return raw, err
}

// Close closes the wrapped extractor.
func (r *Retrying) Close() error {
	return r.next.Close()
}
