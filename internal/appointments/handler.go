package appointments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/hcoin-appointments/internal/coin"
	"github.com/wolfman30/hcoin-appointments/internal/identity"
	"github.com/wolfman30/hcoin-appointments/pkg/logging"
)

const maxBodyBytes = 64 << 10

// Handler exposes the coordinator over HTTP. The acting wallet is resolved
// per request through an identity.Provider.
type Handler struct {
	coord    *Coordinator
	identity identity.Provider
	logger   *logging.Logger
	now      func() time.Time
	stop     func()
}

func NewHandler(coord *Coordinator, provider identity.Provider, logger *logging.Logger) *Handler {
	if coord == nil {
		panic("appointments: coordinator required")
	}
	if provider == nil {
		panic("appointments: identity provider required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	h := &Handler{coord: coord, identity: provider, logger: logger, now: time.Now}
	h.stop = provider.OnAddressChanged(func(old, new string) {
		logger.Info("wallet address changed", "old", old, "new", new)
	})
	return h
}

// Close drops the handler's identity subscription.
func (h *Handler) Close() {
	h.stop()
}

// Routes mounts the appointment endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/appointments", h.Submit)
	r.Get("/appointments", h.List)
	r.Get("/appointments/{id}", h.Get)
	r.Get("/appointments/{id}/history", h.History)
	r.Post("/appointments/{id}/approve", h.Approve)
	r.Post("/appointments/{id}/reject", h.Reject)
	r.Post("/appointments/{id}/pay", h.Pay)
	r.Post("/appointments/{id}/complete", h.Complete)
	r.Post("/appointments/{id}/cancel", h.Cancel)
	r.Get("/doctor/pending", h.Pending)
	r.Get("/wallet/balance", h.Balance)
}

type errorResponse struct {
	Error   string   `json:"error"`
	Kind    Kind     `json:"kind"`
	Reasons []string `json:"reasons,omitempty"`
}

type listResponse struct {
	Appointments []*Appointment `json:"appointments"`
	Total        int            `json:"total"`
}

type balanceResponse struct {
	Address string      `json:"address"`
	Balance coin.Amount `json:"balance"`
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	address, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	req.PatientAddress = address
	a, err := h.coord.SubmitRequest(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	address, ok := h.caller(w, r)
	if !ok {
		return
	}
	a, err := h.coord.ViewAppointment(r.Context(), chi.URLParam(r, "id"), address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	address, ok := h.caller(w, r)
	if !ok {
		return
	}
	items, err := h.coord.History(r.Context(), chi.URLParam(r, "id"), address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": items})
}

// List returns the caller's appointments, filtered by ?status=. ?party= may
// only name the caller ("me" or their own address).
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	address, ok := h.caller(w, r)
	if !ok {
		return
	}
	var status Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := ParseStatus(raw)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		status = parsed
	}
	if party := r.URL.Query().Get("party"); party != "" && party != "me" && normalizeAddress(party) != address {
		h.writeError(w, r, fmt.Errorf("%w: %s cannot list appointments of %s", ErrNotParticipant, address, party))
		return
	}
	items, err := h.coord.ListByStatus(r.Context(), status, address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Appointments: items, Total: len(items)})
}

func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	address, ok := h.caller(w, r)
	if !ok {
		return
	}
	items, err := h.coord.ListPending(r.Context(), address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Appointments: items, Total: len(items)})
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.coord.ApproveRequest)
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.coord.RejectRequest)
}

func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.coord.PayForAppointment)
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.coord.CompleteAppointment)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	address, ok := h.caller(w, r)
	if !ok {
		return
	}
	a, err := h.coord.CancelRequest(r.Context(), chi.URLParam(r, "id"), address, h.now().UTC())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	address, ok := h.caller(w, r)
	if !ok {
		return
	}
	bal, err := h.coord.Balance(r.Context(), address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Address: address, Balance: bal})
}

type transitionFunc func(ctx context.Context, id, actor string) (*Appointment, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	address, ok := h.caller(w, r)
	if !ok {
		return
	}
	a, err := fn(r.Context(), chi.URLParam(r, "id"), address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	address, ok := h.identity.CurrentAddress(r.Context())
	if !ok || address == "" {
		http.Error(w, "wallet not connected", http.StatusUnauthorized)
		return "", false
	}
	return address, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	resp := errorResponse{Error: err.Error(), Kind: kind}
	status := http.StatusInternalServerError

	switch kind {
	case KindValidation, KindUnknownSpecialization:
		status = http.StatusBadRequest
		var verr *ValidationError
		if errors.As(err, &verr) {
			resp.Reasons = verr.Reasons
		}
	case KindNotFound:
		status = http.StatusNotFound
	case KindNotParticipant:
		status = http.StatusForbidden
	case KindInvalidTransition:
		status = http.StatusConflict
		resp.Error = "this appointment was already handled"
	case KindAlreadyPaid, KindSettlementInProgress:
		status = http.StatusConflict
	case KindPaymentRequired, KindPaymentMismatch:
		status = http.StatusPaymentRequired
	case KindSettlementPending:
		status = http.StatusAccepted
	case KindLedgerTimeout:
		status = http.StatusGatewayTimeout
		w.Header().Set("Retry-After", "5")
	case KindLedger:
		status = http.StatusBadGateway
	case KindRateLimited:
		status = http.StatusTooManyRequests
	default:
		h.logger.Error("appointment request failed", "path", r.URL.Path, "error", err)
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
