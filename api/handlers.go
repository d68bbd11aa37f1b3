/*
handlers.go - HTTP API handlers for the points back office

PURPOSE:
  Exposes the points ledger and client directory via REST. Handles HTTP
  request/response and JSON, and delegates every decision to the points
  and clients packages.

ENDPOINTS:
  Points:
    GET    /api/points/statuses          All statuses with labels
    GET    /api/points/form?id=          Status variants + field visibility
    POST   /api/points                   Admin creates an entry
    GET    /api/points/{id}              Entry details
    PATCH  /api/points/{id}              Admin edits comment / certificate code
    DELETE /api/points/{id}              Cancel a withdrawal request
    POST   /api/points/{id}/accept       Accept a pending entry
    POST   /api/points/{id}/cancel       Cancel a pending request

  Clients:
    POST   /api/clients                  Register
    GET    /api/clients/{id}             Details with balance
    GET    /api/clients/{id}/balance     Balance
    GET    /api/clients/{id}/points      Ledger history
    GET    /api/clients/{id}/referrals   Directly referred clients
    PUT    /api/clients/{id}/referrer    Move in the referral tree
    PUT    /api/clients/{id}/agent-status
    POST   /api/clients/{id}/disable
    POST   /api/clients/{id}/activate
    POST   /api/clients/{id}/withdrawals    Client requests a withdrawal
    POST   /api/clients/{id}/partner-certs  Client requests a certificate

ERROR HANDLING:
  - 400: Malformed JSON or failed field validation
  - 401/403: Missing token / wrong role or not the client's own data
  - 404: Unknown entry or client
  - 409: Referral code already taken
  - 422: The ledger rejected the operation; body lists every problem
  - 500: Store failures

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Bearer token handling
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/points-ledger/clients"
	"github.com/warp/points-ledger/points"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Points  *points.Service
	Clients *clients.Directory
	Log     logrus.FieldLogger

	validate *validator.Validate
}

func NewHandler(svc *points.Service, dir *clients.Directory, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Points:   svc,
		Clients:  dir,
		Log:      log,
		validate: validator.New(),
	}
}

// =============================================================================
// POINTS HANDLERS
// =============================================================================

// ListStatuses returns every status with its label.
func (h *Handler) ListStatuses(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, h.Points.Statuses())
}

// GetForm returns what an admin may do with an entry, or with a new one when
// no id is given.
func (h *Handler) GetForm(w http.ResponseWriter, r *http.Request) {
	var id *points.EntryID
	if raw := r.URL.Query().Get("id"); raw != "" {
		eid := points.EntryID(raw)
		id = &eid
	}
	form, err := h.Points.Form(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, r, "Entry not found", err)
		return
	}
	writeSuccess(w, http.StatusOK, toFormDTO(form))
}

// CreateEntry is an admin adding, saving or subtracting points.
func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req CreateEntryRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Points.CreateEntry(r.Context(), actor(r), points.Status(req.Status), points.Draft{
		ClientID:        points.ClientID(req.ClientID),
		Value:           req.Value,
		Comment:         req.Comment,
		PartnerID:       req.PartnerID,
		PartnerCertCode: req.PartnerCertCode,
	})
	h.writeResult(w, r, http.StatusCreated, res, err)
}

func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.Points.Entry(r.Context(), points.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLookupError(w, r, "Entry not found", err)
		return
	}
	if !canView(actor(r), clients.ID(e.ClientID)) {
		writeError(w, http.StatusForbidden, "Not allowed to view this entry", nil)
		return
	}
	writeSuccess(w, http.StatusOK, toEntryDTO(e))
}

func (h *Handler) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	var req UpdateEntryRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Points.UpdateEntry(r.Context(), actor(r), points.EntryID(chi.URLParam(r, "id")), points.Patch{
		Comment:         req.Comment,
		PartnerCertCode: req.PartnerCertCode,
	})
	h.writeResult(w, r, http.StatusOK, res, err)
}

// CancelWithdrawal withdraws a pending withdrawal request. The entry is kept
// as cancelled.
func (h *Handler) CancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	res, err := h.Points.CancelWithdrawal(r.Context(), actor(r), points.EntryID(chi.URLParam(r, "id")))
	h.writeResult(w, r, http.StatusOK, res, err)
}

func (h *Handler) AcceptEntry(w http.ResponseWriter, r *http.Request) {
	res, err := h.Points.AcceptEntry(r.Context(), actor(r), points.EntryID(chi.URLParam(r, "id")))
	h.writeResult(w, r, http.StatusOK, res, err)
}

func (h *Handler) CancelEntry(w http.ResponseWriter, r *http.Request) {
	res, err := h.Points.CancelEntry(r.Context(), actor(r), points.EntryID(chi.URLParam(r, "id")))
	h.writeResult(w, r, http.StatusOK, res, err)
}

// =============================================================================
// CLIENT HANDLERS
// =============================================================================

func (h *Handler) RegisterClient(w http.ResponseWriter, r *http.Request) {
	var req RegisterClientRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.Clients.Register(r.Context(), clients.Registration{
		Name:           req.Name,
		Email:          req.Email,
		ReferralCode:   req.ReferralCode,
		ReferredByCode: req.ReferredByCode,
	})
	if err != nil {
		h.writeClientError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, toClientDTO(c))
}

// GetClient returns the client together with its balance.
func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	c, ok := h.visibleClient(w, r)
	if !ok {
		return
	}
	b, err := h.Points.BalanceOf(r.Context(), points.ClientID(c.ID))
	if err != nil {
		h.writeLookupError(w, r, "Client not found", err)
		return
	}
	dto := toClientDTO(c)
	bal := toBalanceDTO(b)
	dto.Balance = &bal
	writeSuccess(w, http.StatusOK, dto)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	c, ok := h.visibleClient(w, r)
	if !ok {
		return
	}
	b, err := h.Points.BalanceOf(r.Context(), points.ClientID(c.ID))
	if err != nil {
		h.writeLookupError(w, r, "Client not found", err)
		return
	}
	writeSuccess(w, http.StatusOK, toBalanceDTO(b))
}

func (h *Handler) ListClientEntries(w http.ResponseWriter, r *http.Request) {
	c, ok := h.visibleClient(w, r)
	if !ok {
		return
	}
	entries, err := h.Points.Entries(r.Context(), points.ClientID(c.ID))
	if err != nil {
		h.writeInternal(w, r, "Failed to list entries", err)
		return
	}
	writeSuccess(w, http.StatusOK, toEntryDTOs(entries))
}

func (h *Handler) ListReferrals(w http.ResponseWriter, r *http.Request) {
	c, ok := h.visibleClient(w, r)
	if !ok {
		return
	}
	children, err := h.Clients.Referrals(r.Context(), c.ID)
	if err != nil {
		h.writeClientError(w, r, err)
		return
	}
	dtos := make([]ClientDTO, len(children))
	for i, child := range children {
		dtos[i] = toClientDTO(child)
	}
	writeSuccess(w, http.StatusOK, dtos)
}

func (h *Handler) SetReferrer(w http.ResponseWriter, r *http.Request) {
	var req SetReferrerRequest
	if !h.decode(w, r, &req) {
		return
	}
	var referrer *clients.ID
	if req.ReferrerID != nil && *req.ReferrerID != "" {
		id := clients.ID(*req.ReferrerID)
		referrer = &id
	}
	c, err := h.Clients.SetReferrer(r.Context(), clients.ID(chi.URLParam(r, "id")), referrer)
	if err != nil {
		h.writeClientError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toClientDTO(c))
}

func (h *Handler) SetAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req SetAgentStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.Clients.SetAgentStatus(r.Context(), clients.ID(chi.URLParam(r, "id")), clients.AgentStatus(req.AgentStatus))
	if err != nil {
		h.writeClientError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toClientDTO(c))
}

func (h *Handler) DisableClient(w http.ResponseWriter, r *http.Request) {
	c, err := h.Clients.Disable(r.Context(), clients.ID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeClientError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toClientDTO(c))
}

func (h *Handler) ActivateClient(w http.ResponseWriter, r *http.Request) {
	c, err := h.Clients.Activate(r.Context(), clients.ID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeClientError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toClientDTO(c))
}

// RequestWithdrawal is the client's cash-out request.
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req ClientRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Points.RequestWithdrawal(r.Context(), actor(r), points.Draft{
		ClientID:  points.ClientID(chi.URLParam(r, "id")),
		Value:     req.Value,
		Comment:   req.Comment,
		PartnerID: req.PartnerID,
	})
	h.writeResult(w, r, http.StatusCreated, res, err)
}

func (h *Handler) RequestPartnerCert(w http.ResponseWriter, r *http.Request) {
	var req ClientRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Points.RequestPartnerCert(r.Context(), actor(r), points.Draft{
		ClientID:  points.ClientID(chi.URLParam(r, "id")),
		Value:     req.Value,
		Comment:   req.Comment,
		PartnerID: req.PartnerID,
	})
	h.writeResult(w, r, http.StatusCreated, res, err)
}

// visibleClient loads the {id} client and checks the caller may see it.
func (h *Handler) visibleClient(w http.ResponseWriter, r *http.Request) (clients.Client, bool) {
	id := clients.ID(chi.URLParam(r, "id"))
	if !canView(actor(r), id) {
		writeError(w, http.StatusForbidden, "Not allowed to view this client", nil)
		return clients.Client{}, false
	}
	c, err := h.Clients.Get(r.Context(), id)
	if err != nil {
		h.writeClientError(w, r, err)
		return clients.Client{}, false
	}
	return c, true
}

func canView(a points.Actor, id clients.ID) bool {
	return a.IsAdmin() || a.Owns(points.ClientID(id))
}

// =============================================================================
// HELPERS
// =============================================================================

func actor(r *http.Request) points.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}

// decode reads and validates a JSON body. On failure it has already written
// the 400 response.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, okStatus int, res points.Result, err error) {
	if err != nil {
		h.writeInternal(w, r, "Operation failed", err)
		return
	}
	if !res.OK() {
		status := http.StatusUnprocessableEntity
		if len(res.Errors) == 1 {
			switch res.Errors[0].Kind {
			case points.KindNotFound:
				status = http.StatusNotFound
			case points.KindForbidden:
				status = http.StatusForbidden
			}
		}
		writeJSON(w, status, DomainErrorResponse{Status: "error", Errors: res.Errors})
		return
	}
	writeSuccess(w, okStatus, toEntryDTO(res.Entry))
}

func (h *Handler) writeLookupError(w http.ResponseWriter, r *http.Request, message string, err error) {
	if errors.Is(err, points.ErrNotFound) {
		writeError(w, http.StatusNotFound, message, nil)
		return
	}
	h.writeInternal(w, r, "Lookup failed", err)
}

func (h *Handler) writeClientError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, clients.ErrClientNotFound):
		writeError(w, http.StatusNotFound, "Client not found", err)
	case errors.Is(err, clients.ErrReferralCodeTaken):
		writeError(w, http.StatusConflict, "Referral code already taken", nil)
	case errors.Is(err, clients.ErrReferralCycle):
		writeError(w, http.StatusUnprocessableEntity, "Referrer would create a referral cycle", nil)
	case errors.Is(err, clients.ErrInvalidReferralCode), errors.Is(err, clients.ErrInvalidAgentStatus):
		writeError(w, http.StatusBadRequest, "Invalid client data", err)
	default:
		h.writeInternal(w, r, "Client operation failed", err)
	}
}

func (h *Handler) writeInternal(w http.ResponseWriter, r *http.Request, message string, err error) {
	h.Log.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"path":       r.URL.Path,
	}).WithError(err).Error(message)
	writeError(w, http.StatusInternalServerError, message, nil)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, SuccessResponse{Status: "success", Data: data})
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Status: "error", Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
