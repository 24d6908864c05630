package scanning

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/meowmung/meowmung-ledger/internal/receipt"
)

var _ = Describe("Composer", func() {
	var (
		composer *Composer
		payload  Payload
	)

	BeforeEach(func() {
		var err error
		composer, err = NewComposer()
		Expect(err).NotTo(HaveOccurred())
		payload = Payload{MIMEType: "image/png", Data: "aGVsbG8="}
	})

	It("should expose the prompt version", func() {
		Expect(composer.Version()).To(Equal("receipt-v3"))
	})

	It("should be deterministic", func() {
		Expect(composer.Compose(payload)).To(Equal(composer.Compose(payload)))
	})

	It("should carry the payload unchanged", func() {
		Expect(composer.Compose(payload).Payload).To(Equal(payload))
	})

	It("should define every category label", func() {
		system := composer.Compose(payload).SystemInstruction
		for _, info := range receipt.Taxonomy {
			Expect(system).To(ContainSubstring("- %s: %s", info.Label, info.Description))
		}
	})

	It("should state the sentinel convention", func() {
		system := composer.Compose(payload).SystemInstruction
		Expect(system).To(ContainSubstring(`"%s"`, receipt.Unreadable))
		Expect(system).To(ContainSubstring("%d로", receipt.UnreadableAmount))
	})

	It("should include the non-receipt fallback record", func() {
		notReceipt, err := json.Marshal(receipt.NotReceipt())
		Expect(err).NotTo(HaveOccurred())
		Expect(composer.Compose(payload).SystemInstruction).To(ContainSubstring(string(notReceipt)))
	})

	It("should leave no template actions behind", func() {
		Expect(composer.Compose(payload).SystemInstruction).NotTo(ContainSubstring("{{"))
	})

	It("should carry the fixed user directive", func() {
		Expect(composer.Compose(payload).UserInstruction).To(Equal("당신에게 주어진 영수증을 해석하세요."))
	})

	When("the prompt config is invalid", func() {
		It("rejects malformed YAML", func() {
			_, err := newComposer([]byte("version: ["))
			Expect(err).To(MatchError(ContainSubstring("parsing prompt config")))
		})

		It("rejects missing sections", func() {
			_, err := newComposer([]byte("version: v1\nuser: hi\n"))
			Expect(err).To(HaveOccurred())
		})

		It("rejects templates referencing unknown values", func() {
			_, err := newComposer([]byte("version: v1\nuser: hi\nsystem: \"{{.Nope}}\"\n"))
			Expect(err).To(MatchError(ContainSubstring("rendering system prompt")))
		})
	})
})
