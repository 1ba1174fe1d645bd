package drive

import (
	"context"
	"net/http"

	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/zombor/receipt-reconciler/internal/failure"
)

var _ = ginkgo.Describe("Client", func() {
	var (
		server *ghttp.Server
		client *Client
	)

	ginkgo.BeforeEach(func() {
		server = ghttp.NewServer()
		var err error
		client, err = NewClient(context.Background(),
			oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test"}),
			option.WithEndpoint(server.URL()+"/"),
			option.WithHTTPClient(http.DefaultClient),
		)
		Expect(err).NotTo(HaveOccurred())
	})

	ginkgo.AfterEach(func() {
		server.Close()
	})

	ginkgo.Describe("List", func() {
		ginkgo.It("tags folders and files", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest("GET", "/files"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]interface{}{
					"nextPageToken": "next",
					"files": []map[string]interface{}{
						{"id": "a", "name": "2025", "mimeType": folderMimeType},
						{"id": "b", "name": "r.pdf", "mimeType": "application/pdf", "size": "1024", "createdTime": "2025-06-10T08:00:00Z"},
					},
				}),
			))

			page, err := client.List(context.Background(), "root", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(page.NextPageToken).To(Equal("next"))
			Expect(page.Entries).To(HaveLen(2))
			Expect(page.Entries[0].Kind).To(Equal(KindFolder))
			Expect(page.Entries[1].Kind).To(Equal(KindFile))
			Expect(page.Entries[1].Size).To(Equal(int64(1024)))
			Expect(page.Entries[1].CreatedAt.Year()).To(Equal(2025))
		})

		ginkgo.It("maps 404 to not found", func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusNotFound, map[string]interface{}{
				"error": map[string]interface{}{"code": 404, "message": "File not found"},
			}))

			_, err := client.List(context.Background(), "missing", "")
			Expect(failure.KindOf(err)).To(Equal(failure.KindNotFound))
		})

		ginkgo.It("maps 429 to rate limited", func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusTooManyRequests, map[string]interface{}{
				"error": map[string]interface{}{"code": 429, "message": "slow down"},
			}))

			_, err := client.List(context.Background(), "root", "")
			Expect(failure.Retryable(err)).To(BeTrue())
			Expect(failure.KindOf(err)).To(Equal(failure.KindRateLimited))
		})

		ginkgo.It("maps 403 rate limit reasons to rate limited", func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusForbidden, map[string]interface{}{
				"error": map[string]interface{}{
					"code":    403,
					"message": "User Rate Limit Exceeded",
					"errors":  []map[string]interface{}{{"reason": "userRateLimitExceeded", "message": "limit"}},
				},
			}))

			_, err := client.List(context.Background(), "root", "")
			Expect(failure.KindOf(err)).To(Equal(failure.KindRateLimited))
		})
	})

	ginkgo.Describe("Download", func() {
		ginkgo.It("returns the bytes and mime type", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest("GET", "/files/f1"),
				ghttp.RespondWith(http.StatusOK, "%PDF-1.4", http.Header{"Content-Type": []string{"application/pdf; charset=binary"}}),
			))

			data, mimeType, err := client.Download(context.Background(), "f1")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("%PDF-1.4"))
			Expect(mimeType).To(Equal("application/pdf"))
		})

		ginkgo.It("maps server errors to unavailable", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusServiceUnavailable, "down"))

			_, _, err := client.Download(context.Background(), "f1")
			Expect(failure.KindOf(err)).To(Equal(failure.KindUnavailable))
		})
	})
})
