package scanning

import (
	"context"
	"encoding/json"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("OpenAI", func() {
	var (
		server *ghttp.Server
		client *OpenAI
		req    ExtractionRequest
		raw    string
		err    error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var newErr error
		client, newErr = NewOpenAI(server.URL(), "sk-test", "gpt-4o")
		Expect(newErr).NotTo(HaveOccurred())
		req = ExtractionRequest{
			SystemInstruction: "system prompt",
			UserInstruction:   "user prompt",
			Payload:           Payload{MIMEType: "image/jpeg", Data: "aW1hZ2U="},
		}
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		raw, err = client.Extract(context.Background(), req)
	})

	When("the API answers", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/v1/chat/completions"),
				ghttp.VerifyHeaderKV("Authorization", "Bearer sk-test"),
				func(w http.ResponseWriter, r *http.Request) {
					var body map[string]any
					Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
					Expect(body).To(HaveKeyWithValue("model", "gpt-4o"))
					Expect(body).To(HaveKeyWithValue("response_format", HaveKeyWithValue("type", "json_object")))

					messages := body["messages"].([]any)
					Expect(messages).To(HaveLen(2))
					Expect(messages[0]).To(HaveKeyWithValue("content", "system prompt"))

					parts := messages[1].(map[string]any)["content"].([]any)
					Expect(parts[0]).To(HaveKeyWithValue("text", "user prompt"))
					Expect(parts[1]).To(HaveKeyWithValue("image_url",
						HaveKeyWithValue("url", "data:image/jpeg;base64,aW1hZ2U=")))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
					"choices": []map[string]any{
						{"message": map[string]any{"content": `{"location":"멍멍마트"}`}, "finish_reason": "stop"},
					},
				}),
			))
		})

		It("returns the first choice", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(raw).To(Equal(`{"location":"멍멍마트"}`))
		})
	})

	When("the API is rate limited", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusTooManyRequests, "slow down"))
		})

		It("returns a retryable error", func() {
			Expect(err).To(HaveOccurred())
			Expect(IsPermanent(err)).To(BeFalse())
		})
	})

	When("the API key is rejected", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusUnauthorized, "bad key"))
		})

		It("returns a permanent error", func() {
			Expect(IsPermanent(err)).To(BeTrue())
		})
	})

	When("the response has no choices", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{"choices": []any{}}))
		})

		It("returns an error", func() {
			Expect(err).To(MatchError(ContainSubstring("no choices")))
		})
	})

	It("requires an API key", func() {
		_, err := NewOpenAI("", "", "")
		Expect(err).To(HaveOccurred())
	})
})
