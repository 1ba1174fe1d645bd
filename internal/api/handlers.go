package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/zombor/receipt-reconciler/internal/failure"
	"github.com/zombor/receipt-reconciler/internal/ledger"
	"github.com/zombor/receipt-reconciler/internal/money"
	"github.com/zombor/receipt-reconciler/internal/receipt"
	"github.com/zombor/receipt-reconciler/internal/reconcile"
)

// maxBodySize bounds JSON and CSV request bodies
const maxBodySize = 10 << 20

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, message, category string, code int) {
	body := map[string]string{"error": message}
	if category != "" {
		body["category"] = category
	}
	writeJSON(w, code, body)
}

// writeError maps domain errors to HTTP status codes
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		code     = http.StatusInternalServerError
		message  = "Internal server error"
		category string
		svc      *failure.ExternalServiceError
	)
	switch {
	case errors.Is(err, receipt.ErrNotFound):
		code, message = http.StatusNotFound, "Not found"
	case errors.Is(err, receipt.ErrConflict), errors.Is(err, receipt.ErrInvalidTransition):
		code, message = http.StatusConflict, err.Error()
	case errors.Is(err, receipt.ErrInvalidInput), errors.Is(err, reconcile.ErrInvalidRequest), errors.Is(err, ledger.ErrMissingColumn), failure.IsParse(err):
		code, message = http.StatusBadRequest, err.Error()
	case failure.IsAuth(err):
		code, message = http.StatusBadGateway, "Storage account authorization failed"
		category = failure.Category(failure.KindAuth)
	case errors.As(err, &svc):
		code, message = http.StatusServiceUnavailable, err.Error()
		category = failure.Category(failure.KindOf(err))
	}
	if code == http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSONError(w, message, category, code)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %v: %w", err, receipt.ErrInvalidInput)
	}
	return nil
}

// handleListReceipts returns receipts, optionally filtered by ?status=, ?folder= and ?unmatched=true
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	status, ok := receipt.ParseExtractionStatus(strings.ToUpper(r.URL.Query().Get("status")))
	if !ok {
		writeJSONError(w, "Invalid status", "", http.StatusBadRequest)
		return
	}
	filter := receipt.ReceiptFilter{
		Status:     status,
		FolderPath: r.URL.Query().Get("folder"),
		Unmatched:  r.URL.Query().Get("unmatched") == "true",
	}

	receipts, err := s.service.ListReceipts(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.GetReceipt(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type updateReceiptRequest struct {
	Vendor        string `json:"vendor"`
	Amount        string `json:"amount"`
	InvoiceDate   string `json:"invoice_date"`
	PaymentDate   string `json:"payment_date"`
	InvoiceNumber string `json:"invoice_number"`
}

// handleUpdateReceipt stores manually entered receipt data
func (s *Server) handleUpdateReceipt(w http.ResponseWriter, r *http.Request) {
	var req updateReceiptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("Invalid amount: %v", err), "", http.StatusBadRequest)
		return
	}
	invoiceDate, err := ledger.ParseDate(req.InvoiceDate)
	if err != nil {
		writeError(w, r, err)
		return
	}
	update := receipt.ReceiptUpdate{
		Vendor:        strings.TrimSpace(req.Vendor),
		Amount:        amount,
		InvoiceDate:   invoiceDate,
		InvoiceNumber: strings.TrimSpace(req.InvoiceNumber),
	}
	if req.PaymentDate != "" {
		paid, err := ledger.ParseDate(req.PaymentDate)
		if err != nil {
			writeError(w, r, err)
			return
		}
		update.PaymentDate = &paid
	}

	rec, err := s.service.UpdateReceipt(r.Context(), r.PathValue("id"), update)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteReceipt(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetReceiptFile returns the document for a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetReceiptFile(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// handleReceiptMatches returns the matches of one receipt
func (s *Server) handleReceiptMatches(w http.ResponseWriter, r *http.Request) {
	s.listMatches(w, r, receipt.MatchFilter{ReceiptID: r.PathValue("id")})
}

// handleListTransactions returns transactions, optionally filtered by ?account=
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	filter := receipt.TransactionFilter{
		AccountID: r.URL.Query().Get("account"),
		Unmatched: r.URL.Query().Get("unmatched") == "true",
	}
	for name, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		if v := r.URL.Query().Get(name); v != "" {
			t, err := ledger.ParseDate(v)
			if err != nil {
				writeError(w, r, err)
				return
			}
			*dst = t
		}
	}

	txs, err := s.service.ListTransactions(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// handleGetTransaction returns a single transaction
func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleTransactionMatches returns the matches of one transaction
func (s *Server) handleTransactionMatches(w http.ResponseWriter, r *http.Request) {
	s.listMatches(w, r, receipt.MatchFilter{TransactionID: r.PathValue("id")})
}

type importRequest struct {
	AccountID string       `json:"account_id"`
	Rows      []ledger.Row `json:"rows"`
}

// handleImportTransactions imports ledger rows sent as JSON or as text/csv with ?account=
func (s *Server) handleImportTransactions(w http.ResponseWriter, r *http.Request) {
	if s.importer == nil {
		writeJSONError(w, "Import is not configured", "", http.StatusServiceUnavailable)
		return
	}

	var req importRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "text/csv":
		rows, err := ledger.ParseCSV(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			writeError(w, r, fmt.Errorf("%v: %w", err, receipt.ErrInvalidInput))
			return
		}
		req = importRequest{AccountID: r.URL.Query().Get("account"), Rows: rows}
	default:
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}

	n, err := s.importer.ImportTransactions(r.Context(), req.AccountID, req.Rows)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"rows": len(req.Rows), "imported": n})
}

// handleListMatches returns matches, optionally filtered by ?status=
func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request) {
	status, ok := receipt.ParseMatchStatus(strings.ToUpper(r.URL.Query().Get("status")))
	if !ok {
		writeJSONError(w, "Invalid status", "", http.StatusBadRequest)
		return
	}
	s.listMatches(w, r, receipt.MatchFilter{Status: status})
}

func (s *Server) listMatches(w http.ResponseWriter, r *http.Request, filter receipt.MatchFilter) {
	matches, err := s.service.ListMatches(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if matches == nil {
		matches = []*receipt.Match{}
	}
	writeJSON(w, http.StatusOK, matches)
}

type matchRequest struct {
	ReceiptID     string `json:"receipt_id"`
	TransactionID string `json:"transaction_id"`
}

func (s *Server) decideMatch(decide func(r *http.Request, receiptID, transactionID string) (*receipt.Match, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req matchRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.ReceiptID == "" || req.TransactionID == "" {
			writeJSONError(w, "receipt_id and transaction_id are required", "", http.StatusBadRequest)
			return
		}
		m, err := decide(r, req.ReceiptID, req.TransactionID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

// handleConfirmMatch confirms a proposed match
func (s *Server) handleConfirmMatch(w http.ResponseWriter, r *http.Request) {
	s.decideMatch(func(r *http.Request, receiptID, transactionID string) (*receipt.Match, error) {
		return s.service.Confirm(r.Context(), receiptID, transactionID)
	})(w, r)
}

// handleRejectMatch rejects a proposed match
func (s *Server) handleRejectMatch(w http.ResponseWriter, r *http.Request) {
	s.decideMatch(func(r *http.Request, receiptID, transactionID string) (*receipt.Match, error) {
		return s.service.Reject(r.Context(), receiptID, transactionID)
	})(w, r)
}

// handleManualMatch confirms a reviewer-chosen pair
func (s *Server) handleManualMatch(w http.ResponseWriter, r *http.Request) {
	s.decideMatch(func(r *http.Request, receiptID, transactionID string) (*receipt.Match, error) {
		return s.service.ManualMatch(r.Context(), receiptID, transactionID)
	})(w, r)
}

// handleReconcile runs a reconciliation pass and returns its summary
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeJSONError(w, "Reconciliation is not configured", "", http.StatusServiceUnavailable)
		return
	}
	var req reconcile.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	summary, err := s.reconciler.Run(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type sessionRequest struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

// handleSetSessionCredentials replaces the session-scoped storage credentials
func (s *Server) handleSetSessionCredentials(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeJSONError(w, "Session credentials are not enabled", "", http.StatusNotFound)
		return
	}
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.AccessToken == "" && req.RefreshToken == "" {
		writeJSONError(w, "access_token or refresh_token is required", "", http.StatusBadRequest)
		return
	}

	s.session.Set(&oauth2.Token{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		Expiry:       req.Expiry,
	})
	slog.Info("Session credentials updated", "has_refresh_token", req.RefreshToken != "")
	w.WriteHeader(http.StatusNoContent)
}
