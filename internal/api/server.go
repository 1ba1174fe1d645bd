// Package api serves the reviewer HTTP API.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/zombor/receipt-reconciler/internal/ledger"
	"github.com/zombor/receipt-reconciler/internal/receipt"
	"github.com/zombor/receipt-reconciler/internal/reconcile"
)

// Importer stores ledger rows for an account
type Importer interface {
	ImportTransactions(ctx context.Context, accountID string, rows []ledger.Row) (int, error)
}

// Reconciler runs a reconciliation pass
type Reconciler interface {
	Run(ctx context.Context, req reconcile.Request) (*reconcile.Summary, error)
}

// SessionCredentials accepts a session-scoped token
type SessionCredentials interface {
	Set(token *oauth2.Token)
}

// Server handles HTTP requests for receipts, transactions and matches
type Server struct {
	service    *receipt.Service
	importer   Importer
	reconciler Reconciler
	session    SessionCredentials
	basicAuth  BasicAuth
	mux        *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// Option wires optional collaborators into a Server
type Option func(*Server)

// WithImporter enables POST /api/transactions/import
func WithImporter(importer Importer) Option {
	return func(s *Server) { s.importer = importer }
}

// WithReconciler enables POST /api/reconcile
func WithReconciler(reconciler Reconciler) Option {
	return func(s *Server) { s.reconciler = reconciler }
}

// WithSessionCredentials enables PUT /api/credentials/session
func WithSessionCredentials(session SessionCredentials) Option {
	return func(s *Server) { s.session = session }
}

// NewServer creates a new Server with default mux
func NewServer(service *receipt.Service, basicAuth BasicAuth, opts ...Option) *Server {
	return NewServerWithMux(service, basicAuth, http.NewServeMux(), opts...)
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *receipt.Service, basicAuth BasicAuth, mux *http.ServeMux, opts ...Option) *Server {
	s := &Server{
		service:   service,
		basicAuth: basicAuth,
		mux:       mux,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.basicAuth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.basicAuth.Password)) == 1
	return userOK && passOK
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Receipt Reconciler"`)
			writeJSONError(w, "Unauthorized", "", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// receipts
	s.mux.HandleFunc("GET /api/receipts/{id}/file", s.requireAuth(s.handleGetReceiptFile))
	s.mux.HandleFunc("GET /api/receipts/{id}/matches", s.requireAuth(s.handleReceiptMatches))
	s.mux.HandleFunc("GET /api/receipts/{id}", s.requireAuth(s.handleGetReceipt))
	s.mux.HandleFunc("PUT /api/receipts/{id}", s.requireAuth(s.handleUpdateReceipt))
	s.mux.HandleFunc("DELETE /api/receipts/{id}", s.requireAuth(s.handleDeleteReceipt))
	s.mux.HandleFunc("GET /api/receipts", s.requireAuth(s.handleListReceipts))

	// transactions
	s.mux.HandleFunc("POST /api/transactions/import", s.requireAuth(s.handleImportTransactions))
	s.mux.HandleFunc("GET /api/transactions/{id}/matches", s.requireAuth(s.handleTransactionMatches))
	s.mux.HandleFunc("GET /api/transactions/{id}", s.requireAuth(s.handleGetTransaction))
	s.mux.HandleFunc("GET /api/transactions", s.requireAuth(s.handleListTransactions))

	// matches
	s.mux.HandleFunc("GET /api/matches", s.requireAuth(s.handleListMatches))
	s.mux.HandleFunc("POST /api/matches/confirm", s.requireAuth(s.handleConfirmMatch))
	s.mux.HandleFunc("POST /api/matches/reject", s.requireAuth(s.handleRejectMatch))
	s.mux.HandleFunc("POST /api/matches/manual", s.requireAuth(s.handleManualMatch))

	s.mux.HandleFunc("POST /api/reconcile", s.requireAuth(s.handleReconcile))
	s.mux.HandleFunc("PUT /api/credentials/session", s.requireAuth(s.handleSetSessionCredentials))
}

// Handler returns the mux wrapped with the CORS middleware
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
