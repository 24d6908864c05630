package scanning

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/meowmung/meowmung-ledger/internal/receipt"
)

type extractResult struct {
	raw string
	err error
}

// mockExtractor returns queued results in order and records each request.
type mockExtractor struct {
	results  []extractResult
	requests []ExtractionRequest
	block    bool
	onCall   func()
	closed   bool
}

func (m *mockExtractor) Extract(ctx context.Context, req ExtractionRequest) (string, error) {
	m.requests = append(m.requests, req)
	if m.onCall != nil {
		m.onCall()
	}
	if m.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if len(m.results) == 0 {
		return "", errors.New("no result queued")
	}
	r := m.results[0]
	m.results = m.results[1:]
	return r.raw, r.err
}

func (m *mockExtractor) Close() error {
	m.closed = true
	return nil
}

var _ = Describe("Retrying", func() {
	var (
		mock     *mockExtractor
		retrying *Retrying
		ctx      context.Context
		req      ExtractionRequest
		raw      string
		err      error
	)

	BeforeEach(func() {
		mock = &mockExtractor{}
		retrying = NewRetrying(mock, time.Second, 1)
		ctx = context.Background()
		req = ExtractionRequest{
			SystemInstruction: "system",
			UserInstruction:   "user",
			Payload:           Payload{MIMEType: "image/png", Data: "AA=="},
		}
	})

	JustBeforeEach(func() {
		raw, err = retrying.Extract(ctx, req)
	})

	When("the first attempt succeeds", func() {
		BeforeEach(func() {
			mock.results = []extractResult{{raw: `{"date":"2024-01-01"}`}}
		})

		It("returns the raw response after one call", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(raw).To(Equal(`{"date":"2024-01-01"}`))
			Expect(mock.requests).To(HaveLen(1))
		})
	})

	When("the first attempt fails", func() {
		BeforeEach(func() {
			mock.results = []extractResult{
				{err: errors.New("connection reset")},
				{raw: "{}"},
			}
		})

		It("retries once with the identical request", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(raw).To(Equal("{}"))
			Expect(mock.requests).To(HaveLen(2))
			Expect(mock.requests[1]).To(Equal(mock.requests[0]))
		})
	})

	When("both attempts fail", func() {
		BeforeEach(func() {
			mock.results = []extractResult{
				{err: errors.New("connection reset")},
				{err: errors.New("service unavailable")},
				{raw: "{}"},
			}
		})

		It("returns an extraction unavailable error without a third call", func() {
			Expect(err).To(MatchError(receipt.ErrExtractionUnavailable))
			Expect(err).To(MatchError(ContainSubstring("service unavailable")))
			Expect(mock.requests).To(HaveLen(2))
		})
	})

	When("retries are disabled", func() {
		BeforeEach(func() {
			retrying = NewRetrying(mock, time.Second, 0)
			mock.results = []extractResult{{err: errors.New("boom")}, {raw: "{}"}}
		})

		It("makes a single call", func() {
			Expect(err).To(MatchError(receipt.ErrExtractionUnavailable))
			Expect(mock.requests).To(HaveLen(1))
		})
	})

	When("more retries are requested than allowed", func() {
		BeforeEach(func() {
			retrying = NewRetrying(mock, time.Second, 5)
			mock.results = []extractResult{{err: errors.New("a")}, {err: errors.New("b")}, {raw: "{}"}}
		})

		It("still retries at most once", func() {
			Expect(err).To(MatchError(receipt.ErrExtractionUnavailable))
			Expect(mock.requests).To(HaveLen(2))
		})
	})

	When("the failure is permanent", func() {
		BeforeEach(func() {
			mock.results = []extractResult{
				{err: NewPermanentError(errors.New("invalid api key"))},
				{raw: "{}"},
			}
		})

		It("does not retry", func() {
			Expect(err).To(MatchError(receipt.ErrExtractionUnavailable))
			Expect(mock.requests).To(HaveLen(1))
		})
	})

	When("every attempt times out", func() {
		BeforeEach(func() {
			retrying = NewRetrying(mock, 20*time.Millisecond, 1)
			mock.block = true
		})

		It("returns an extraction unavailable error after two attempts", func() {
			Expect(err).To(MatchError(receipt.ErrExtractionUnavailable))
			Expect(err).To(MatchError(ContainSubstring("timed out")))
			Expect(mock.requests).To(HaveLen(2))
		})
	})

	When("the caller's context is already cancelled", func() {
		BeforeEach(func() {
			cctx, cancel := context.WithCancel(context.Background())
			cancel()
			ctx = cctx
		})

		It("returns the cancellation without calling the backend", func() {
			Expect(err).To(MatchError(context.Canceled))
			Expect(err).NotTo(MatchError(receipt.ErrExtractionUnavailable))
			Expect(mock.requests).To(BeEmpty())
		})
	})

	When("the caller cancels during an attempt", func() {
		BeforeEach(func() {
			cctx, cancel := context.WithCancel(context.Background())
			ctx = cctx
			mock.block = true
			mock.onCall = cancel
		})

		It("does not retry", func() {
			Expect(err).To(MatchError(context.Canceled))
			Expect(mock.requests).To(HaveLen(1))
		})
	})

	It("closes the wrapped extractor", func() {
		Expect(retrying.Close()).To(Succeed())
		Expect(mock.closed).To(BeTrue())
	})
})
