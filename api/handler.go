// Package api exposes the ledger and broadcast history over HTTP for the UI layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/c360studio/fusionledger/broadcast"
	"github.com/c360studio/fusionledger/ledger"
)

// maxCommitBodySize limits the size of commit request bodies.
const maxCommitBodySize = 1 << 20 // 1 MB

// Handler serves the ledger and broadcast endpoints.
type Handler struct {
	ledger      *ledger.Ledger
	coordinator *broadcast.Coordinator
	logger      *slog.Logger
}

// NewHandler creates a handler over l and c.
func NewHandler(l *ledger.Ledger, c *broadcast.Coordinator, logger *slog.Logger) *Handler {
	return &Handler{ledger: l, coordinator: c, logger: logger}
}

// log returns the logger, defaulting to slog.Default if nil.
func (h *Handler) log() *slog.Logger {
	if h.logger == nil {
		return slog.Default()
	}
	return h.logger
}

// RegisterHTTPHandlers registers every endpoint on mux.
func (h *Handler) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /ledger", h.handleListRecords)
	mux.HandleFunc("POST /ledger", h.handleCommit)
	mux.HandleFunc("GET /ledger/verify", h.handleVerify)
	mux.HandleFunc("GET /ledger/export", h.handleExportLedger)
	mux.HandleFunc("GET /ledger/{id}", h.handleGetRecord)
	mux.HandleFunc("POST /ledger/{id}/broadcast", h.handleBroadcast)

	mux.HandleFunc("GET /broadcasts", h.handleListBroadcasts)
	mux.HandleFunc("GET /broadcasts/export", h.handleExportBroadcasts)
	mux.HandleFunc("GET /broadcasts/{id}", h.handleGetBroadcast)
	mux.HandleFunc("POST /broadcasts/{id}/retry", h.handleRetry)

	mux.HandleFunc("GET /stats", h.handleStats)
}

// ListRecordsResponse is the response for GET /ledger.
type ListRecordsResponse struct {
	Records []ledger.Record `json:"records"`
	Total   int             `json:"total"`
}

// VerifyResponse is the response for GET /ledger/verify.
type VerifyResponse struct {
	Valid           bool   `json:"valid"`
	TotalEntries    int    `json:"totalEntries"`
	IntegrityDigest string `json:"integrityDigest"`
}

// ListBroadcastsResponse is the response for GET /broadcasts.
type ListBroadcastsResponse struct {
	Broadcasts []broadcast.Attempt `json:"broadcasts"`
	Total      int                 `json:"total"`
}

// StatsResponse is the response for GET /stats.
type StatsResponse struct {
	Ledger     ledger.Stats    `json:"ledger"`
	Broadcasts broadcast.Stats `json:"broadcasts"`
}

// handleListRecords handles GET /ledger.
// Query parameters:
//   - owner: only records with this ownerRef
func (h *Handler) handleListRecords(w http.ResponseWriter, r *http.Request) {
	var records []ledger.Record
	if owner := r.URL.Query().Get("owner"); owner != "" {
		records = h.ledger.ByOwner(owner)
	} else {
		records = h.ledger.All()
	}
	h.writeJSON(w, http.StatusOK, ListRecordsResponse{Records: records, Total: len(records)})
}

// handleCommit handles POST /ledger.
func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCommitBodySize)

	var in ledger.FusionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := h.ledger.Commit(r.Context(), in)
	if err != nil {
		if ledger.IsValidation(err) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log().Error("Failed to commit record", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to commit record")
		return
	}

	h.writeJSON(w, http.StatusCreated, rec)
}

// handleVerify handles GET /ledger/verify.
func (h *Handler) handleVerify(w http.ResponseWriter, _ *http.Request) {
	md := h.ledger.Metadata()
	h.writeJSON(w, http.StatusOK, VerifyResponse{
		Valid:           h.ledger.VerifyIntegrity(),
		TotalEntries:    md.TotalEntries,
		IntegrityDigest: md.IntegrityDigest,
	})
}

// handleExportLedger handles GET /ledger/export.
func (h *Handler) handleExportLedger(w http.ResponseWriter, _ *http.Request) {
	data, err := h.ledger.ExportJSON()
	if err != nil {
		h.log().Error("Failed to export ledger", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to export ledger")
		return
	}
	h.writeDownload(w, "fusion-ledger.json", data)
}

// handleGetRecord handles GET /ledger/{id}.
func (h *Handler) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := h.ledger.ByID(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "record not found")
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// handleBroadcast handles POST /ledger/{id}/broadcast.
func (h *Handler) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := h.ledger.ByID(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "record not found")
		return
	}

	receipt, err := h.coordinator.Broadcast(r.Context(), rec)
	h.writeReceipt(w, receipt, err)
}

// handleListBroadcasts handles GET /broadcasts.
// Query parameters:
//   - owner: only attempts whose payload has this ownerRef
//   - status: pending, confirmed or rejected
func (h *Handler) handleListBroadcasts(w http.ResponseWriter, r *http.Request) {
	var attempts []broadcast.Attempt
	if owner := r.URL.Query().Get("owner"); owner != "" {
		attempts = h.coordinator.ByOwner(owner)
	} else {
		attempts = h.coordinator.History()
	}

	if status := r.URL.Query().Get("status"); status != "" {
		switch broadcast.Status(status) {
		case broadcast.StatusPending, broadcast.StatusConfirmed, broadcast.StatusRejected:
		default:
			h.writeError(w, http.StatusBadRequest, "invalid status: must be pending, confirmed, or rejected")
			return
		}
		filtered := make([]broadcast.Attempt, 0, len(attempts))
		for _, a := range attempts {
			if string(a.Status) == status {
				filtered = append(filtered, a)
			}
		}
		attempts = filtered
	}

	h.writeJSON(w, http.StatusOK, ListBroadcastsResponse{Broadcasts: attempts, Total: len(attempts)})
}

// handleExportBroadcasts handles GET /broadcasts/export.
func (h *Handler) handleExportBroadcasts(w http.ResponseWriter, _ *http.Request) {
	data, err := h.coordinator.ExportLog()
	if err != nil {
		h.log().Error("Failed to export broadcast log", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to export broadcast log")
		return
	}
	h.writeDownload(w, "fusion-broadcasts.json", data)
}

// handleGetBroadcast handles GET /broadcasts/{id}.
func (h *Handler) handleGetBroadcast(w http.ResponseWriter, r *http.Request) {
	a, ok := h.coordinator.ByID(r.PathValue("id"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "broadcast not found")
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

// handleRetry handles POST /broadcasts/{id}/retry.
func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, ok := h.coordinator.ByID(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "broadcast not found")
		return
	}
	if a.Status != broadcast.StatusRejected {
		h.writeError(w, http.StatusConflict, fmt.Sprintf("broadcast is %s, only rejected broadcasts can be retried", a.Status))
		return
	}

	receipt, ok, err := h.coordinator.Retry(r.Context(), id)
	if !ok {
		// Lost a race with a concurrent retry or status change.
		h.writeError(w, http.StatusConflict, "broadcast is no longer retryable")
		return
	}
	h.writeReceipt(w, receipt, err)
}

// handleStats handles GET /stats.
func (h *Handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, StatsResponse{
		Ledger:     h.ledger.Stats(),
		Broadcasts: h.coordinator.Stats(),
	})
}

// writeReceipt maps the result of a broadcast or retry to a response. Rejection is a 200
// with confirmed=false; only malformed payloads and cancellation are errors.
func (h *Handler) writeReceipt(w http.ResponseWriter, receipt broadcast.Receipt, err error) {
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, receipt)
	case ledger.IsValidation(err):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		h.writeJSON(w, http.StatusGatewayTimeout, receipt)
	default:
		h.log().Error("Broadcast failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "broadcast failed")
	}
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log().Warn("Failed to write JSON response", "error", err)
	}
}

// writeDownload writes pre-encoded JSON as an attachment.
func (h *Handler) writeDownload(w http.ResponseWriter, filename string, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.log().Warn("Failed to write export", "error", err)
	}
}

// writeError writes an error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": strings.TrimSpace(message)})
}
