package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meowmung/meowmung-ledger/internal/quality"
	"github.com/meowmung/meowmung-ledger/internal/receipt"
	"github.com/meowmung/meowmung-ledger/internal/scanning"
)

// maxBatchParallel bounds how many images of one batch are processed at once.
const maxBatchParallel = 4

// DefaultEnhancePixelBudget is the largest enhanced image, in pixels, the
// pipeline asks the enhancer for.
const DefaultEnhancePixelBudget = 16_000_000

// Enhancer upscales an image by an integer factor.
type Enhancer interface {
	Enhance(ctx context.Context, img image.Image, factor int) (image.Image, error)
}

// Input is one uploaded receipt image.
type Input struct {
	Data        []byte
	ContentType string
}

// Pipeline turns receipt images into records.
type Pipeline struct {
	assessor  *quality.Assessor
	enhancer  Enhancer
	encoder   *scanning.Encoder
	composer  *scanning.Composer
	extractor scanning.Extractor
	metrics   *Metrics

	enhancePixelBudget int64
}

// New creates a Pipeline. A nil enhancer skips super-resolution; a nil
// metrics uses unregistered collectors.
func New(
	assessor *quality.Assessor,
	enhancer Enhancer,
	encoder *scanning.Encoder,
	composer *scanning.Composer,
	extractor scanning.Extractor,
	metrics *Metrics,
) *Pipeline {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Pipeline{
		assessor:  assessor,
		enhancer:  enhancer,
		encoder:   encoder,
		composer:  composer,
		extractor: extractor,
		metrics:   metrics,

		enhancePixelBudget: DefaultEnhancePixelBudget,
	}
}

// SetEnhancePixelBudget limits the size of enhanced images. Images whose
// upscaled size would exceed pixels go to the model unenhanced. Zero or less
// removes the limit.
func (p *Pipeline) SetEnhancePixelBudget(pixels int64) {
	p.enhancePixelBudget = pixels
}

// Process decodes one uploaded image and extracts its record.
func (p *Pipeline) Process(ctx context.Context, data []byte, contentType string) (*receipt.Record, error) {
	log := slog.With("request_id", uuid.NewString())

	img, err := scanning.Decode(data, contentType)
	if err != nil {
		p.metrics.processed.WithLabelValues(string(receipt.KindOf(err))).Inc()
		log.Warn("Rejected upload", "content_type", contentType, "size", len(data), "error", err)
		return nil, err
	}
	return p.process(ctx, log, img)
}

// ProcessImage extracts the record of an already decoded image.
func (p *Pipeline) ProcessImage(ctx context.Context, img image.Image) (*receipt.Record, error) {
	return p.process(ctx, slog.With("request_id", uuid.NewString()), img)
}

// ProcessBatch processes several photos of the same receipt concurrently and
// merges the results in input order. Any failing image fails the batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, inputs []Input) (*receipt.Record, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no images in batch", receipt.ErrInvalidImage)
	}

	records := make([]*receipt.Record, len(inputs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxBatchParallel)
	for i, in := range inputs {
		g.Go(func() error {
			record, err := p.Process(ctx, in.Data, in.ContentType)
			if err != nil {
				return fmt.Errorf("processing image %d: %w", i+1, err)
			}
			records[i] = record
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return receipt.Merge(records...), nil
}

func (p *Pipeline) process(ctx context.Context, log *slog.Logger, img image.Image) (record *receipt.Record, err error) {
	defer func() {
		switch {
		case err != nil:
			p.metrics.processed.WithLabelValues(string(receipt.KindOf(err))).Inc()
		case record.IsNotReceipt():
			p.metrics.processed.WithLabelValues(outcomeNotReceipt).Inc()
		default:
			p.metrics.processed.WithLabelValues(outcomeOK).Inc()
		}
	}()

	verdict, err := p.assessor.Assess(img)
	if err != nil {
		return nil, err
	}
	log.Debug("Assessed image quality",
		"short_edge", verdict.ShortEdge,
		"sharpness", verdict.Score,
		"meets_threshold", verdict.MeetsThreshold,
		"scale_factor", verdict.ScaleFactor,
	)

	original := img
	enhanced := false
	if !verdict.MeetsThreshold && p.enhancer != nil {
		img, enhanced, err = p.enhance(ctx, log, img, verdict.ScaleFactor)
		if err != nil {
			return nil, err
		}
	}

	payload, err := p.encoder.Encode(img)
	if enhanced && errors.Is(err, receipt.ErrPayloadTooLarge) {
		p.metrics.enhancement(verdict.ScaleFactor, enhanceDiscarded)
		log.Warn("Enhanced image too large, continuing with original image", "factor", verdict.ScaleFactor, "error", err)
		img, enhanced = original, false
		payload, err = p.encoder.Encode(img)
	}
	if err != nil {
		log.Warn("Encoding payload failed", "error", err)
		return nil, err
	}

	start := time.Now()
	raw, err := p.extractor.Extract(ctx, p.composer.Compose(payload))
	p.metrics.extractionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error("Extraction failed", "error", err)
		return nil, err
	}

	record, err = receipt.Normalize(raw)
	if err != nil {
		log.Warn("Model response is not a receipt record", "error", err, "response", truncate(raw, 200))
		return nil, err
	}

	unreadable := record.UnreadableFields()
	p.metrics.unreadableFields.Add(float64(unreadable))
	log.Info("Processed receipt",
		"enhanced", enhanced,
		"items", len(record.Items),
		"unreadable_fields", unreadable,
		"not_receipt", record.IsNotReceipt(),
	)
	return record, nil
}

// enhance upscales img. A missing or broken model degrades to the original
// image; only cancellation aborts.
func (p *Pipeline) enhance(ctx context.Context, log *slog.Logger, img image.Image, factor int) (image.Image, bool, error) {
	b := img.Bounds()
	if pixels := int64(b.Dx()) * int64(b.Dy()) * int64(factor*factor); p.enhancePixelBudget > 0 && pixels > p.enhancePixelBudget {
		p.metrics.enhancement(factor, enhanceSkipped)
		log.Info("Skipping super-resolution over pixel budget", "factor", factor, "pixels", pixels, "budget", p.enhancePixelBudget)
		return img, false, nil
	}

	out, err := p.enhancer.Enhance(ctx, img, factor)
	switch {
	case err == nil:
		p.metrics.enhancement(factor, enhanceApplied)
		return out, true, nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		p.metrics.enhancement(factor, enhanceFailed)
		return nil, false, fmt.Errorf("enhancing image: %w", err)
	case errors.Is(err, receipt.ErrModelUnavailable):
		p.metrics.enhancement(factor, enhanceUnavailable)
	default:
		p.metrics.enhancement(factor, enhanceFailed)
	}
	log.Warn("Super-resolution unavailable, continuing with original image", "factor", factor, "error", err)
	return img, false, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
