package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
	_ "golang.org/x/image/webp" // Register WebP decoder

	"github.com/meowmung/meowmung-ledger/internal/receipt"
)

// MaxPixels bounds the decoded size of an upload. Compressed formats can
// describe images far larger than the bytes sent.
const MaxPixels = 50_000_000

const pdfDPI = 300.0

// Decode turns uploaded bytes into an image. JPEG, PNG, GIF, WebP, HEIC/HEIF
// and the first page of a PDF are supported. Anything else, and images over
// MaxPixels, fail with receipt.ErrInvalidImage.
func Decode(data []byte, contentType string) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", receipt.ErrInvalidImage)
	}
	mimeType := strings.ToLower(strings.TrimSpace(contentType))

	var (
		img image.Image
		err error
	)
	switch {
	case isPDF(data, mimeType):
		img, err = pdfToImage(data)
	case isHEICFormat(data) || isHEICMimeType(mimeType):
		// Go's standard image package doesn't support HEIC
		var cfg image.Config
		if cfg, err = heic.DecodeConfig(bytes.NewReader(data)); err != nil {
			err = fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		} else if err = checkPixels(cfg.Width, cfg.Height); err == nil {
			img, err = heic.Decode(bytes.NewReader(data))
			if err != nil {
				err = fmt.Errorf("decoding HEIC/HEIF image: %w", err)
			}
		}
	default:
		var cfg image.Config
		if cfg, _, err = image.DecodeConfig(bytes.NewReader(data)); err != nil {
			err = fmt.Errorf("decoding image (supported: JPEG, PNG, GIF, WebP, HEIC, HEIF, PDF): %w", err)
		} else if err = checkPixels(cfg.Width, cfg.Height); err == nil {
			img, _, err = image.Decode(bytes.NewReader(data))
			if err != nil {
				err = fmt.Errorf("decoding image (supported: JPEG, PNG, GIF, WebP, HEIC, HEIF, PDF): %w", err)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", receipt.ErrInvalidImage, err)
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: image has zero area", receipt.ErrInvalidImage)
	}
	if err := checkPixels(b.Dx(), b.Dy()); err != nil {
		return nil, fmt.Errorf("%w: %w", receipt.ErrInvalidImage, err)
	}
	return img, nil
}

func checkPixels(w, h int) error {
	if int64(w)*int64(h) > MaxPixels {
		return fmt.Errorf("image is %dx%d, more than %d pixels", w, h, MaxPixels)
	}
	return nil
}

// pdfToImage renders the first page of a PDF. Receipts are single page.
func pdfToImage(data []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}
	// Large pages render at a lower resolution to stay within MaxPixels.
	dpi := pdfDPI
	bound, err := doc.Bound(0)
	if err != nil {
		return nil, fmt.Errorf("reading PDF page size: %w", err)
	}
	if points := float64(bound.Dx()) * float64(bound.Dy()); points > 0 {
		dpi = min(dpi, 72*math.Sqrt(MaxPixels*0.95/points))
	}
	img, err := doc.ImageDPI(0, dpi)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

func isPDF(data []byte, mimeType string) bool {
	return mimeType == "application/pdf" || bytes.HasPrefix(data, []byte("%PDF-"))
}

// isHEICFormat checks for an ftyp box with a HEIC-related brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
