/*
handlers.go - HTTP API handlers for the value ledger

PURPOSE:
  Exposes service.Service over REST. Handlers decode the request body,
  call exactly one service method and encode the result. No ledger logic
  lives here.

ENDPOINTS:
  Values:
    POST   /v2/values                       Create value (initialBalance)
    GET    /v2/values/{id}                  Get value
    PATCH  /v2/values/{id}                  Freeze, cancel, (de)activate

  Contacts:
    POST   /v2/contacts                     Create or update contact
    POST   /v2/contacts/{id}/values/attach  Attach a generic code

  Transactions:
    POST   /v2/transactions/checkout        Checkout across sources
    POST   /v2/transactions/debit           Debit one value
    POST   /v2/transactions/credit          Credit one value
    POST   /v2/transactions/transfer        Value or card to value
    GET    /v2/transactions/{id}            Get transaction
    GET    /v2/transactions/{id}/chain      Chain containing id, root first
    POST   /v2/transactions/{id}/reverse    Reverse a root transaction
    POST   /v2/transactions/{id}/capture    Capture a pending transaction
    POST   /v2/transactions/{id}/void       Void a pending transaction

STATUS CODES:
  201 for a committed transaction or created resource, 200 for simulated
  transactions and reads. Failures use the error envelope with the
  status carried by the ledger error code.

SEE ALSO:
  - dto.go: Envelope and health types
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/warp/valueledger/ledger"
	"github.com/warp/valueledger/planner"
	"github.com/warp/valueledger/service"
)

const maxBodyBytes = 1 << 20

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	svc    *service.Service
	pinger Pinger
	logger *slog.Logger
}

// NewHandler creates a handler. pinger may be nil.
func NewHandler(svc *service.Service, pinger Pinger, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, pinger: pinger, logger: logger}
}

// =============================================================================
// VALUES
// =============================================================================

func (h *Handler) CreateValue(w http.ResponseWriter, r *http.Request) {
	var req planner.CreateValueRequest
	if !h.decode(w, r, &req) {
		return
	}
	v, err := h.svc.CreateValue(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) GetValue(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.GetValue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) UpdateValue(w http.ResponseWriter, r *http.Request) {
	var u service.ValueUpdate
	if !h.decode(w, r, &u) {
		return
	}
	v, err := h.svc.UpdateValue(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// =============================================================================
// CONTACTS
// =============================================================================

func (h *Handler) CreateContact(w http.ResponseWriter, r *http.Request) {
	var c ledger.Contact
	if !h.decode(w, r, &c) {
		return
	}
	out, err := h.svc.CreateContact(r.Context(), c)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) AttachValue(w http.ResponseWriter, r *http.Request) {
	var req planner.AttachRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ContactID = chi.URLParam(r, "id")
	v, err := h.svc.Attach(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req planner.CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.svc.Checkout(r.Context(), req)
	h.writeTransaction(w, r, tx, req.Simulate, err)
}

func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	var req planner.DebitRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.svc.Debit(r.Context(), req)
	h.writeTransaction(w, r, tx, req.Simulate, err)
}

func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	var req planner.CreditRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.svc.Credit(r.Context(), req)
	h.writeTransaction(w, r, tx, req.Simulate, err)
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req planner.TransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.svc.Transfer(r.Context(), req)
	h.writeTransaction(w, r, tx, req.Simulate, err)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.svc.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) GetChain(w http.ResponseWriter, r *http.Request) {
	chain, err := h.svc.GetChain(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	h.compensate(w, r, h.svc.Reverse)
}

func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	h.compensate(w, r, h.svc.Capture)
}

func (h *Handler) Void(w http.ResponseWriter, r *http.Request) {
	h.compensate(w, r, h.svc.Void)
}

type compensationFunc func(ctx context.Context, targetID string, req planner.CompensationRequest) (*ledger.Transaction, error)

func (h *Handler) compensate(w http.ResponseWriter, r *http.Request, fn compensationFunc) {
	var req planner.CompensationRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := fn(r.Context(), chi.URLParam(r, "id"), req)
	h.writeTransaction(w, r, tx, req.Simulate, err)
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, ledger.Wrap(ledger.CodeInvalidRequest, err, "request body is not valid JSON"))
		return false
	}
	return true
}

func (h *Handler) writeTransaction(w http.ResponseWriter, r *http.Request, tx *ledger.Transaction, simulated bool, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if simulated {
		status = http.StatusOK
	}
	writeJSON(w, status, tx)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError renders err in the error envelope. Foreign errors become a
// generic 500 so internals never leak.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{
		StatusCode:  http.StatusInternalServerError,
		Message:     "internal error",
		MessageCode: string(ledger.CodeInternal),
	}
	var le *ledger.Error
	if errors.As(err, &le) && le.Code != ledger.CodeInternal {
		resp.StatusCode = ledger.HTTPStatus(le)
		resp.Message = le.Message
		resp.MessageCode = string(le.Code)
		resp.Details = le.Details
	} else {
		h.logger.ErrorContext(r.Context(), "unhandled error", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, resp.StatusCode, resp)
}
