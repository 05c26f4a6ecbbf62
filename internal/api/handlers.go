/**
 * @description
 * This file contains the HTTP handlers for the transfer-service's API endpoints.
 * Handlers parse the request, call the application service with the caller's
 * tenant scope, and map domain errors onto HTTP status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain, internal/tenant: service logic, models, scope.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tickettoken/transfer-service/internal/app"
	"github.com/tickettoken/transfer-service/internal/domain"
	"github.com/tickettoken/transfer-service/internal/resilience"
	"github.com/tickettoken/transfer-service/internal/tenant"
)

const maxRequestBodyBytes = 16 << 10

// TransferService is the application surface the handlers call.
type TransferService interface {
	CreateTransfer(ctx context.Context, scope tenant.Scope, req domain.CreateTransferRequest) (*domain.Transfer, error)
	AcceptTransfer(ctx context.Context, scope tenant.Scope, transferID uuid.UUID, acceptanceCode string) (*domain.AcceptResult, error)
	CancelTransfer(ctx context.Context, scope tenant.Scope, transferID uuid.UUID) (*domain.Transfer, error)
	GetTransferStatus(ctx context.Context, scope tenant.Scope, transferID uuid.UUID) (*domain.TransferStatusView, error)
	ListStuckSettlements(ctx context.Context, olderThan time.Time, maxRetryCount int, limit int) ([]domain.StuckSettlement, error)
	ReconcileStuckSettlements(ctx context.Context, limit int) (*domain.SettlementReconcileResponse, error)
}

// BreakerSnapshotter reports circuit breaker state.
type BreakerSnapshotter interface {
	Snapshot() []resilience.BreakerSnapshot
}

// TransferHandlers holds the application service that handlers will use.
type TransferHandlers struct {
	service  TransferService
	breakers BreakerSnapshotter
}

// NewTransferHandlers creates a new instance of TransferHandlers. breakers may be nil.
func NewTransferHandlers(service TransferService, breakers BreakerSnapshotter) *TransferHandlers {
	return &TransferHandlers{service: service, breakers: breakers}
}

// CreateTransferHandler opens a transfer. The acceptance code is never part
// of the response; it travels to the recipient in the transfer.created event.
func (h *TransferHandlers) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}

	var req domain.CreateTransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TicketID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "ticket_id is required")
		return
	}

	transfer, err := h.service.CreateTransfer(r.Context(), scope, req)
	if err != nil {
		h.writeServiceError(w, "create_transfer", err)
		return
	}
	writeJSON(w, http.StatusCreated, transfer)
}

// GetTransferHandler returns the transfer and its settlement state.
func (h *TransferHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	transferID, ok := transferIDParam(w, r)
	if !ok {
		return
	}

	view, err := h.service.GetTransferStatus(r.Context(), scope, transferID)
	if err != nil {
		h.writeServiceError(w, "get_transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// AcceptTransferHandler claims a transfer with its acceptance code.
func (h *TransferHandlers) AcceptTransferHandler(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	transferID, ok := transferIDParam(w, r)
	if !ok {
		return
	}

	var req domain.AcceptTransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AcceptanceCode == "" {
		writeError(w, http.StatusBadRequest, "acceptance_code is required")
		return
	}

	result, err := h.service.AcceptTransfer(r.Context(), scope, transferID, req.AcceptanceCode)
	if err != nil {
		h.writeServiceError(w, "accept_transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CancelTransferHandler withdraws a pending transfer.
func (h *TransferHandlers) CancelTransferHandler(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	transferID, ok := transferIDParam(w, r)
	if !ok {
		return
	}

	transfer, err := h.service.CancelTransfer(r.Context(), scope, transferID)
	if err != nil {
		h.writeServiceError(w, "cancel_transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, transfer)
}

// ListStuckSettlementsHandler serves the recovery interface for external
// schedulers. Query: older_than_seconds, max_retry_count, limit.
func (h *TransferHandlers) ListStuckSettlementsHandler(w http.ResponseWriter, r *http.Request) {
	olderThanSeconds, ok := intQuery(w, r, "older_than_seconds", 300)
	if !ok {
		return
	}
	maxRetryCount, ok := intQuery(w, r, "max_retry_count", 0)
	if !ok {
		return
	}
	limit, ok := intQuery(w, r, "limit", 100)
	if !ok {
		return
	}

	olderThan := time.Now().UTC().Add(-time.Duration(olderThanSeconds) * time.Second)
	items, err := h.service.ListStuckSettlements(r.Context(), olderThan, maxRetryCount, limit)
	if err != nil {
		h.writeServiceError(w, "list_stuck_settlements", err)
		return
	}
	if items == nil {
		items = []domain.StuckSettlement{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items, "count": len(items)})
}

// ReconcileSettlementsHandler runs one recovery sweep on demand.
func (h *TransferHandlers) ReconcileSettlementsHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := intQuery(w, r, "limit", 100)
	if !ok {
		return
	}
	result, err := h.service.ReconcileStuckSettlements(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, "reconcile_settlements", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// BreakersHandler reports the state of every registered circuit breaker.
func (h *TransferHandlers) BreakersHandler(w http.ResponseWriter, r *http.Request) {
	snapshots := []resilience.BreakerSnapshot{}
	if h.breakers != nil {
		snapshots = append(snapshots, h.breakers.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"breakers": snapshots})
}

func (h *TransferHandlers) scope(w http.ResponseWriter, r *http.Request) (tenant.Scope, bool) {
	scope, err := tenant.ScopeFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Missing tenant scope")
		return tenant.Scope{}, false
	}
	return scope, true
}

// writeServiceError maps domain errors to status codes. Unknown errors are
// logged and reported as 500 without detail.
func (h *TransferHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var rateErr *app.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		seconds := int(rateErr.RetryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeError(w, http.StatusTooManyRequests, app.ErrTooManyAcceptAttempts.Error())
	case errors.Is(err, app.ErrTransferNotFound),
		errors.Is(err, app.ErrTicketNotFound),
		errors.Is(err, app.ErrRecipientNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrTransferExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, app.ErrInvalidAcceptanceCode),
		errors.Is(err, app.ErrCancelNotAllowed):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrTransferAlreadyProcessed),
		errors.Is(err, app.ErrTransferAlreadyPending),
		errors.Is(err, app.ErrSettlementInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrTicketNotTransferable),
		errors.Is(err, app.ErrSelfTransfer):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, app.ErrInvalidRecipient),
		errors.Is(err, app.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tenant.ErrMissingTenant),
		errors.Is(err, tenant.ErrMalformedTenant),
		errors.Is(err, tenant.ErrMissingUser),
		errors.Is(err, tenant.ErrMalformedUser),
		errors.Is(err, tenant.ErrNoScope):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrSettlementDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func transferIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil || id == uuid.Nil {
		writeError(w, http.StatusBadRequest, "Invalid transfer ID format")
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		writeError(w, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return value, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
