package scanning

import (
	"context"
	"encoding/json"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server *ghttp.Server
		ollama *Ollama
		req    ExtractionRequest
		raw    string
		err    error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		ollama = NewOllama(server.URL(), "qwen2.5vl:7b")
		req = ExtractionRequest{
			SystemInstruction: "system prompt",
			UserInstruction:   "user prompt",
			Payload:           Payload{MIMEType: "image/png", Data: "aW1hZ2U="},
		}
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		raw, err = ollama.Extract(context.Background(), req)
	})

	When("the API answers", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				func(w http.ResponseWriter, r *http.Request) {
					var body ollamaChatRequest
					Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
					Expect(body.Model).To(Equal("qwen2.5vl:7b"))
					Expect(body.Stream).To(BeFalse())
					Expect(body.Format).To(Equal("json"))
					Expect(body.Messages).To(HaveLen(2))
					Expect(body.Messages[0].Role).To(Equal("system"))
					Expect(body.Messages[0].Content).To(Equal("system prompt"))
					Expect(body.Messages[1].Content).To(Equal("user prompt"))
					Expect(body.Messages[1].Images).To(ConsistOf("aW1hZ2U="))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
					"message": map[string]any{"role": "assistant", "content": `{"date":"2024-05-01"}`},
					"done":    true,
				}),
			))
		})

		It("returns the message content", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(raw).To(Equal(`{"date":"2024-05-01"}`))
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})

	When("the API fails with a server error", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model crashed"))
		})

		It("returns a retryable error", func() {
			Expect(err).To(MatchError(ContainSubstring("status 500")))
			Expect(IsPermanent(err)).To(BeFalse())
		})
	})

	When("the model does not exist", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusNotFound, `{"error":"model not found"}`))
		})

		It("returns a permanent error", func() {
			Expect(err).To(MatchError(ContainSubstring("model not found")))
			Expect(IsPermanent(err)).To(BeTrue())
		})
	})

	When("the response is not JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, "<html>"))
		})

		It("returns a decoding error", func() {
			Expect(err).To(MatchError(ContainSubstring("decoding response")))
		})
	})
})
