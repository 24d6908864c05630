package quality

import (
	"fmt"
	"image"
	"image/color"

	"github.com/meowmung/meowmung-ledger/internal/receipt"
)

// Scale factors supported by the super-resolution models, smallest first.
var ScaleFactors = []int{2, 3, 4}

// Policy holds the quality floor an image has to meet to skip enhancement.
type Policy struct {
	// MinShortEdge is the minimum length in pixels of the shorter image edge.
	// Zero disables the check.
	MinShortEdge int

	// MinSharpness is the minimum variance of the Laplacian of the luminance
	// channel. Zero disables the check.
	MinSharpness float64
}

// DefaultPolicy returns the floor used in production.
func DefaultPolicy() Policy {
	return Policy{
		MinShortEdge: 640,
		MinSharpness: 100,
	}
}

// Verdict is the result of assessing one image.
type Verdict struct {
	MeetsThreshold bool    `json:"meets_threshold"`
	Score          float64 `json:"score"` // variance of the Laplacian
	ShortEdge      int     `json:"short_edge"`
	ScaleFactor    int     `json:"scale_factor"` // 0 when MeetsThreshold
}

// Assessor decides whether an image needs super-resolution before extraction.
type Assessor struct {
	policy Policy
}

// NewAssessor creates an Assessor with the given policy.
func NewAssessor(policy Policy) *Assessor {
	return &Assessor{policy: policy}
}

// Assess measures img against the policy. It has no side effects.
func (a *Assessor) Assess(img image.Image) (Verdict, error) {
	if img == nil {
		return Verdict{}, fmt.Errorf("%w: no image", receipt.ErrInvalidImage)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Verdict{}, fmt.Errorf("%w: zero-area image %dx%d", receipt.ErrInvalidImage, b.Dx(), b.Dy())
	}

	shortEdge := min(b.Dx(), b.Dy())
	verdict := Verdict{
		Score:     Sharpness(img),
		ShortEdge: shortEdge,
	}

	tooSmall := a.policy.MinShortEdge > 0 && shortEdge < a.policy.MinShortEdge
	tooBlurry := a.policy.MinSharpness > 0 && verdict.Score < a.policy.MinSharpness
	if !tooSmall && !tooBlurry {
		verdict.MeetsThreshold = true
		return verdict, nil
	}

	verdict.ScaleFactor = recommendFactor(shortEdge, a.policy.MinShortEdge)
	return verdict, nil
}

// recommendFactor returns the smallest factor that brings shortEdge up to
// floor, capped at the largest available factor.
func recommendFactor(shortEdge, floor int) int {
	for _, f := range ScaleFactors {
		if shortEdge*f >= floor {
			return f
		}
	}
	return ScaleFactors[len(ScaleFactors)-1]
}

// Sharpness returns the variance of the 4-neighbour Laplacian over the
// luminance of img. Blurry images have low variance. Images smaller than 3x3
// score zero.
func Sharpness(img image.Image) float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	gray := luminance(img)
	var sum, sumSq float64
	for y := 1; y < h-1; y++ {
		row := y * w
		for x := 1; x < w-1; x++ {
			i := row + x
			lap := float64(gray[i-w]) + float64(gray[i+w]) + float64(gray[i-1]) + float64(gray[i+1]) - 4*float64(gray[i])
			sum += lap
			sumSq += lap * lap
		}
	}

	n := float64((w - 2) * (h - 2))
	mean := sum / n
	return sumSq/n - mean*mean
}

// luminance returns the 8-bit luma of img in row-major order.
func luminance(img image.Image) []uint8 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]uint8, w*h)

	switch src := img.(type) {
	case *image.YCbCr:
		for y := 0; y < h; y++ {
			start := (b.Min.Y+y-src.Rect.Min.Y)*src.YStride + (b.Min.X - src.Rect.Min.X)
			copy(out[y*w:(y+1)*w], src.Y[start:start+w])
		}
	case *image.Gray:
		for y := 0; y < h; y++ {
			start := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(out[y*w:(y+1)*w], src.Pix[start:start+w])
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out[y*w+x] = color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			}
		}
	}
	return out
}
