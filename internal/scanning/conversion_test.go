package scanning

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/meowmung/meowmung-ledger/internal/receipt"
)

var _ = Describe("Decode", func() {
	var (
		data        []byte
		contentType string
		img         image.Image
		err         error
	)

	JustBeforeEach(func() {
		img, err = Decode(data, contentType)
	})

	When("decoding a PNG", func() {
		BeforeEach(func() {
			var buf bytes.Buffer
			Expect(png.Encode(&buf, testImage(12, 8))).To(Succeed())
			data, contentType = buf.Bytes(), "image/png"
		})

		It("should return the image", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Bounds().Size()).To(Equal(image.Pt(12, 8)))
		})
	})

	When("decoding a JPEG with a wrong content type", func() {
		BeforeEach(func() {
			var buf bytes.Buffer
			Expect(jpeg.Encode(&buf, testImage(20, 10), nil)).To(Succeed())
			data, contentType = buf.Bytes(), "application/octet-stream"
		})

		It("should sniff the format from the data", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Bounds().Size()).To(Equal(image.Pt(20, 10)))
		})
	})

	When("decoding a GIF", func() {
		BeforeEach(func() {
			var buf bytes.Buffer
			Expect(gif.Encode(&buf, testImage(5, 6), nil)).To(Succeed())
			data, contentType = buf.Bytes(), "image/gif"
		})

		It("should return the image", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Bounds().Size()).To(Equal(image.Pt(5, 6)))
		})
	})

	When("the data is not an image", func() {
		BeforeEach(func() {
			data, contentType = []byte("definitely not an image"), "image/jpeg"
		})

		It("returns an invalid image error", func() {
			Expect(err).To(MatchError(receipt.ErrInvalidImage))
		})
	})

	When("the header describes a huge image", func() {
		BeforeEach(func() {
			data, contentType = pngWithSize(20000, 20000), "image/png"
		})

		It("rejects it before decoding the pixels", func() {
			Expect(err).To(MatchError(receipt.ErrInvalidImage))
			Expect(err).To(MatchError(ContainSubstring("20000x20000")))
			Expect(img).To(BeNil())
		})
	})

	When("the upload is empty", func() {
		BeforeEach(func() {
			data, contentType = nil, "image/png"
		})

		It("returns an invalid image error", func() {
			Expect(err).To(MatchError(receipt.ErrInvalidImage))
		})
	})
})

var _ = Describe("format detection", func() {
	It("recognizes HEIC brands", func() {
		Expect(isHEICFormat([]byte("\x00\x00\x00\x18ftypheic\x00\x00\x00\x00"))).To(BeTrue())
		Expect(isHEICFormat([]byte("\x00\x00\x00\x18ftypisom\x00\x00\x00\x00"))).To(BeFalse())
		Expect(isHEICFormat([]byte("short"))).To(BeFalse())
	})

	It("recognizes HEIC content types", func() {
		Expect(isHEICMimeType("image/heif")).To(BeTrue())
		Expect(isHEICMimeType("image/png")).To(BeFalse())
	})

	It("recognizes PDFs by content type or signature", func() {
		Expect(isPDF([]byte("%PDF-1.7"), "")).To(BeTrue())
		Expect(isPDF([]byte("x"), "application/pdf")).To(BeTrue())
		Expect(isPDF([]byte("x"), "image/png")).To(BeFalse())
	})
})

// pngWithSize returns a 1x1 PNG whose header claims w x h pixels.
func pngWithSize(w, h uint32) []byte {
	var buf bytes.Buffer
	Expect(png.Encode(&buf, testImage(1, 1))).To(Succeed())
	data := buf.Bytes()
	// IHDR data follows the 8 byte signature and the chunk length and type.
	binary.BigEndian.PutUint32(data[16:20], w)
	binary.BigEndian.PutUint32(data[20:24], h)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}
