package scanning

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-reconciler/internal/failure"
	"github.com/zombor/receipt-reconciler/internal/money"
)

var _ = Describe("Ollama", func() {
	var (
		server    *ghttp.Server
		extractor *Ollama
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var err error
		extractor, err = NewOllama(server.URL(), "llava")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	It("extracts fields from the chat response", func() {
		server.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest("POST", "/api/chat"),
			ghttp.VerifyContentType("application/json"),
			ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]interface{}{
				"message": map[string]string{
					"role":    "assistant",
					"content": `{"vendor": "ACME Baustoffe", "amount": "124,50", "invoice_date": "2025-06-10"}`,
				},
				"done": true,
			}),
		))

		fields, err := extractor.Extract(context.Background(), []byte("png"), "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(fields.Vendor).To(Equal("ACME Baustoffe"))
		Expect(fields.Amount).To(Equal(money.Cents(12450)))
	})

	It("reports server errors as unavailable", func() {
		server.AppendHandlers(ghttp.RespondWith(http.StatusBadGateway, "model loading"))

		_, err := extractor.Extract(context.Background(), []byte("png"), "image/png")
		Expect(failure.Retryable(err)).To(BeTrue())
		Expect(failure.KindOf(err)).To(Equal(failure.KindUnavailable))
	})

	It("reports rate limiting", func() {
		server.AppendHandlers(ghttp.RespondWith(http.StatusTooManyRequests, "busy"))

		_, err := extractor.Extract(context.Background(), []byte("png"), "image/png")
		Expect(failure.KindOf(err)).To(Equal(failure.KindRateLimited))
	})

	It("reports an empty message as a parse error", func() {
		server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]interface{}{
			"message": map[string]string{"role": "assistant", "content": ""},
			"done":    true,
		}))

		_, err := extractor.Extract(context.Background(), []byte("png"), "image/png")
		Expect(failure.IsParse(err)).To(BeTrue())
	})

	It("reports an unreachable server as unavailable", func() {
		server.Close()

		_, err := extractor.Extract(context.Background(), []byte("png"), "image/png")
		Expect(failure.KindOf(err)).To(Equal(failure.KindUnavailable))
	})
})
