package scanning

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/meowmung/meowmung-ledger/internal/receipt"
)

var _ = Describe("Encoder", func() {
	var (
		encoder *Encoder
		img     image.Image
		payload Payload
		err     error
	)

	BeforeEach(func() {
		encoder = NewEncoder(FormatPNG, 0)
		img = testImage(40, 30)
	})

	JustBeforeEach(func() {
		payload, err = encoder.Encode(img)
	})

	When("encoding as PNG", func() {
		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should label the payload as PNG", func() {
			Expect(payload.MIMEType).To(Equal("image/png"))
		})

		It("should decode back to the same pixels", func() {
			data, err := payload.Bytes()
			Expect(err).NotTo(HaveOccurred())

			decoded, err := png.Decode(bytes.NewReader(data))
			Expect(err).NotTo(HaveOccurred())
			Expect(decoded.Bounds()).To(Equal(img.Bounds()))
			for y := 0; y < 30; y++ {
				for x := 0; x < 40; x++ {
					Expect(decoded.At(x, y)).To(Equal(img.At(x, y)), "pixel %d,%d", x, y)
				}
			}
		})

		It("should render a data URI", func() {
			Expect(payload.DataURI()).To(HavePrefix("data:image/png;base64,"))
			Expect(strings.TrimPrefix(payload.DataURI(), "data:image/png;base64,")).To(Equal(payload.Data))
		})
	})

	When("encoding as JPEG", func() {
		BeforeEach(func() {
			encoder = NewEncoder(FormatJPEG, 0)
		})

		It("should produce a decodable JPEG", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(payload.MIMEType).To(Equal("image/jpeg"))

			data, err := payload.Bytes()
			Expect(err).NotTo(HaveOccurred())
			decoded, err := jpeg.Decode(bytes.NewReader(data))
			Expect(err).NotTo(HaveOccurred())
			Expect(decoded.Bounds().Size()).To(Equal(image.Pt(40, 30)))
		})
	})

	When("the encoded image exceeds the limit", func() {
		BeforeEach(func() {
			encoder = NewEncoder(FormatPNG, 64)
		})

		It("returns a payload too large error", func() {
			Expect(err).To(MatchError(receipt.ErrPayloadTooLarge))
			Expect(payload.Data).To(BeEmpty())
		})
	})

	When("the image is nil", func() {
		BeforeEach(func() {
			img = nil
		})

		It("returns an invalid image error", func() {
			Expect(err).To(MatchError(receipt.ErrInvalidImage))
		})
	})
})

var _ = Describe("Payload", func() {
	It("rejects data that is not base64", func() {
		_, err := Payload{MIMEType: "image/png", Data: "not base64!"}.Bytes()
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ParseFormat", func() {
	DescribeTable("accepted names",
		func(in string, want Format) {
			f, err := ParseFormat(in)
			Expect(err).NotTo(HaveOccurred())
			Expect(f).To(Equal(want))
		},
		Entry("empty defaults to PNG", "", FormatPNG),
		Entry("png", "png", FormatPNG),
		Entry("upper case JPEG", "JPEG", FormatJPEG),
		Entry("jpg", "jpg", FormatJPEG),
	)

	It("rejects unknown formats", func() {
		_, err := ParseFormat("tiff")
		Expect(err).To(MatchError(ContainSubstring("tiff")))
	})
})
