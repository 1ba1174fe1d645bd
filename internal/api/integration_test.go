package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"google.golang.org/api/option"

	"github.com/zombor/receipt-reconciler/internal/credential"
	"github.com/zombor/receipt-reconciler/internal/drive"
	"github.com/zombor/receipt-reconciler/internal/ledger"
	"github.com/zombor/receipt-reconciler/internal/matching"
	"github.com/zombor/receipt-reconciler/internal/receipt"
	"github.com/zombor/receipt-reconciler/internal/reconcile"
	"github.com/zombor/receipt-reconciler/internal/scanning"
)

const driveFolderMimeType = "application/vnd.google-apps.folder"

var _ = Describe("Integration", func() {
	var (
		db           *receipt.BoltDB
		storage      *receipt.LocalStorage
		driveServer  *ghttp.Server
		ollamaServer *ghttp.Server
		httpServer   *httptest.Server
		document     = []byte("\x89PNG fake receipt scan")
		noSleep      = func(context.Context, time.Duration) error { return nil }
	)

	do := func(method, path, contentType, body string) *http.Response {
		req, err := http.NewRequest(method, httpServer.URL+path, strings.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, v interface{}) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	listing := func(files ...map[string]interface{}) http.HandlerFunc {
		return ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]interface{}{"files": files})
	}

	BeforeEach(func() {
		ctx := context.Background()
		dir := GinkgoT().TempDir()
		var err error
		db, err = receipt.NewBoltDB(filepath.Join(dir, "reconciler.db"))
		Expect(err).NotTo(HaveOccurred())
		storage, err = receipt.NewLocalStorage(filepath.Join(dir, "documents"))
		Expect(err).NotTo(HaveOccurred())

		driveServer = ghttp.NewServer()
		driveServer.RouteToHandler(http.MethodGet, "/files", func(w http.ResponseWriter, r *http.Request) {
			Expect(r.Header.Get("Authorization")).To(Equal("Bearer session-token"))
			q := r.URL.Query().Get("q")
			switch {
			case strings.Contains(q, "'root'"):
				listing(map[string]interface{}{"id": "y2025", "name": "2025", "mimeType": driveFolderMimeType})(w, r)
			case strings.Contains(q, "'y2025'"):
				listing(
					map[string]interface{}{"id": "m05", "name": "05", "mimeType": driveFolderMimeType},
					map[string]interface{}{"id": "m06", "name": "06_Juni", "mimeType": driveFolderMimeType},
				)(w, r)
			case strings.Contains(q, "'m06'"):
				listing(
					map[string]interface{}{"id": "doc-acme", "name": "acme.png", "mimeType": "image/png", "size": "23"},
					map[string]interface{}{"id": "notes", "name": "notes.txt", "mimeType": "text/plain"},
				)(w, r)
			default:
				Fail("unexpected folder query " + q)
			}
		})
		driveServer.RouteToHandler(http.MethodGet, regexp.MustCompile(`^/files/doc-acme$`), ghttp.CombineHandlers(
			ghttp.VerifyHeaderKV("Authorization", "Bearer session-token"),
			ghttp.RespondWith(http.StatusOK, document, http.Header{"Content-Type": []string{"image/png"}}),
		))

		ollamaServer = ghttp.NewServer()
		ollamaServer.RouteToHandler(http.MethodPost, "/api/chat", ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]interface{}{
			"message": map[string]string{
				"role":    "assistant",
				"content": `{"vendor": "ACME Baustoffe GmbH", "amount": "124,50", "invoice_date": "2025-06-10"}`,
			},
			"done": true,
		}))

		session := credential.NewSessionSource()
		tokens := credential.NewStore(session, nil)
		driveClient, err := drive.NewClient(ctx, tokens, option.WithEndpoint(driveServer.URL()+"/"))
		Expect(err).NotTo(HaveOccurred())

		ollama, err := scanning.NewOllama(ollamaServer.URL(), "llava")
		Expect(err).NotTo(HaveOccurred())
		engine, err := matching.NewEngine(matching.DefaultConfig())
		Expect(err).NotTo(HaveOccurred())

		loader := ledger.NewLoader(db)
		orchestrator := reconcile.New(
			reconcile.Config{RootFolderID: "root"},
			drive.NewWalker(driveClient, drive.WithSleep(noSleep)),
			driveClient,
			scanning.NewRetrying(ollama, scanning.WithSleep(noSleep)),
			loader,
			db,
			engine,
			reconcile.WithCache(storage),
		)

		server := NewServer(receipt.NewService(db, storage, driveClient), BasicAuth{},
			WithImporter(loader),
			WithReconciler(orchestrator),
			WithSessionCredentials(session),
		)
		httpServer = httptest.NewServer(server)
	})

	AfterEach(func() {
		httpServer.Close()
		driveServer.Close()
		ollamaServer.Close()
		db.Close()
	})

	reconcileJune := func() *http.Response {
		return do(http.MethodPost, "/api/reconcile", "application/json", `{"account_id": "DE89", "year": 2025, "month": 6}`)
	}

	connect := func() {
		expiry := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		resp := do(http.MethodPut, "/api/credentials/session", "application/json",
			`{"access_token": "session-token", "expiry": "`+expiry+`"}`)
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
	}

	importStatement := func() {
		resp := do(http.MethodPost, "/api/transactions/import?account=DE89", "text/csv",
			"Buchungstag;Betrag;Verwendungszweck\n"+
				"2025-06-11;-124,50;ACME BAUSTOFFE GMBH SAGT DANKE\n"+
				"2025-06-20;-9,99;Streaming Abo\n")
		var body map[string]int
		decode(resp, &body)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["imported"]).To(Equal(2))
	}

	It("asks the client to reconnect when no credentials are available", func() {
		resp := reconcileJune()
		var body map[string]string
		decode(resp, &body)
		Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
		Expect(body["category"]).To(Equal("reconnect account"))
		Expect(driveServer.ReceivedRequests()).To(BeEmpty())
	})

	It("walks, extracts, proposes and confirms a match end to end", func() {
		connect()
		importStatement()

		resp := reconcileJune()
		var summary reconcile.Summary
		decode(resp, &summary)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(summary.ReceiptsDiscovered).To(Equal(1))
		Expect(summary.Extracted).To(Equal(1))
		Expect(summary.MatchesProposed).To(Equal(1))
		Expect(summary.Cancelled).To(BeFalse())

		var proposed []receipt.Match
		decode(do(http.MethodGet, "/api/matches?status=proposed", "", ""), &proposed)
		Expect(proposed).To(HaveLen(1))
		Expect(proposed[0].ReceiptID).To(Equal("doc-acme"))

		resp = do(http.MethodPost, "/api/matches/confirm", "application/json",
			`{"receipt_id": "doc-acme", "transaction_id": "`+proposed[0].TransactionID+`"}`)
		var confirmed receipt.Match
		decode(resp, &confirmed)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(confirmed.Status).To(Equal(receipt.MatchConfirmed))

		var rec receipt.Receipt
		decode(do(http.MethodGet, "/api/receipts/doc-acme", "", ""), &rec)
		Expect(rec.Vendor).To(Equal("ACME Baustoffe GmbH"))
		Expect(rec.FolderPath).To(Equal("2025/06"))
		Expect(rec.ReconciliationStatus).To(Equal(receipt.Matched))

		resp = do(http.MethodGet, "/api/receipts/doc-acme/file", "", "")
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal(document))
	})

	It("leaves resolved work alone on a second run", func() {
		connect()
		importStatement()

		resp := reconcileJune()
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		chats := len(ollamaServer.ReceivedRequests())

		resp = reconcileJune()
		var summary reconcile.Summary
		decode(resp, &summary)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(summary.ReceiptsSkipped).To(Equal(1))
		Expect(summary.MatchesProposed).To(BeZero())
		Expect(ollamaServer.ReceivedRequests()).To(HaveLen(chats))
	})
})
