package superres

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/meowmung/meowmung-ledger/internal/receipt"
)

// Enhancer upscales images with the cached model for the requested factor.
type Enhancer struct {
	cache *Cache
}

// NewEnhancer creates an Enhancer using models from cache.
func NewEnhancer(cache *Cache) *Enhancer {
	return &Enhancer{cache: cache}
}

// Enhance returns img enlarged by factor on both axes. Any failure to obtain
// or run a model is reported as receipt.ErrModelUnavailable, except context
// cancellation which is returned as is.
func (e *Enhancer) Enhance(ctx context.Context, img image.Image, factor int) (image.Image, error) {
	if factor < 2 || factor > 4 {
		return nil, fmt.Errorf("%w: unsupported scale factor %d", receipt.ErrModelUnavailable, factor)
	}

	model, err := e.cache.Get(factor)
	if err != nil {
		return nil, fmt.Errorf("%w: loading x%d model: %w", receipt.ErrModelUnavailable, factor, err)
	}

	out, err := model.Upscale(ctx, img)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: running x%d model: %w", receipt.ErrModelUnavailable, factor, err)
	}

	in, got := img.Bounds(), out.Bounds()
	if got.Dx() != in.Dx()*factor || got.Dy() != in.Dy()*factor {
		return nil, fmt.Errorf("%w: x%d model produced %dx%d from %dx%d",
			receipt.ErrModelUnavailable, factor, got.Dx(), got.Dy(), in.Dx(), in.Dy())
	}
	return out, nil
}
