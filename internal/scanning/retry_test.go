package scanning

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-reconciler/internal/failure"
)

// mockExtractor returns queued results in order
type mockExtractor struct {
	errs   []error
	fields *Fields
	calls  int
	block  bool
}

func (m *mockExtractor) Extract(ctx context.Context, data []byte, mimeType string) (*Fields, error) {
	m.calls++
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return m.fields, nil
}

func (m *mockExtractor) Close() error {
	return nil
}

var _ = Describe("Retrying", func() {
	var (
		next      *mockExtractor
		extractor *Retrying
		sleeps    []time.Duration
		fields    *Fields
		err       error
	)

	BeforeEach(func() {
		sleeps = nil
		next = &mockExtractor{fields: &Fields{Vendor: "ACME"}}
	})

	JustBeforeEach(func() {
		extractor = NewRetrying(next,
			WithTimeout(50*time.Millisecond),
			WithSleep(func(ctx context.Context, d time.Duration) error {
				sleeps = append(sleeps, d)
				return nil
			}),
		)
		fields, err = extractor.Extract(context.Background(), []byte("data"), "image/png")
	})

	When("the first call succeeds", func() {
		It("returns the fields", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(fields.Vendor).To(Equal("ACME"))
			Expect(next.calls).To(Equal(1))
		})
	})

	When("transient failures precede a success", func() {
		BeforeEach(func() {
			next.errs = []error{
				failure.NewService("gemini", failure.Unavailable, nil),
				failure.NewService("gemini", failure.RateLimited, nil),
			}
		})

		It("retries with backoff", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(next.calls).To(Equal(3))
			Expect(sleeps).To(HaveLen(2))
			Expect(sleeps[1]).To(BeNumerically(">", 0))
		})
	})

	When("every attempt fails transiently", func() {
		BeforeEach(func() {
			next.errs = []error{
				failure.NewService("gemini", failure.Unavailable, nil),
				failure.NewService("gemini", failure.Unavailable, nil),
				failure.NewService("gemini", failure.Unavailable, nil),
			}
		})

		It("stops at the attempt bound and keeps the error kind", func() {
			Expect(next.calls).To(Equal(DefaultAttempts))
			Expect(failure.KindOf(err)).To(Equal(failure.KindUnavailable))
		})
	})

	When("the response cannot be parsed", func() {
		BeforeEach(func() {
			next.errs = []error{failure.NewParse("amount", "missing")}
		})

		It("does not retry", func() {
			Expect(failure.IsParse(err)).To(BeTrue())
			Expect(next.calls).To(Equal(1))
			Expect(sleeps).To(BeEmpty())
		})
	})

	When("the failure is permanent", func() {
		BeforeEach(func() {
			next.errs = []error{errors.New("bad request")}
		})

		It("does not retry", func() {
			Expect(err).To(MatchError("bad request"))
			Expect(next.calls).To(Equal(1))
		})
	})

	When("an attempt exceeds its timeout", func() {
		BeforeEach(func() {
			next.block = true
		})

		It("treats it as a retryable timeout", func() {
			Expect(failure.KindOf(err)).To(Equal(failure.KindTimeout))
			Expect(next.calls).To(Equal(DefaultAttempts))
		})
	})
})
