package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/StricklySoft/plutus-security/pkg/auth"
	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
)

// Guard wraps a route with authorization for an action.
// *auth.Middleware satisfies it.
type Guard interface {
	Handler(action string) func(http.Handler) http.Handler
}

// Handler exposes a [Service] over HTTP.
type Handler struct {
	svc   *Service
	guard Guard
}

// NewHandler returns the HTTP surface of svc, guarded by g.
func NewHandler(svc *Service, g Guard) *Handler {
	return &Handler{svc: svc, guard: g}
}

// Routes returns a router to mount at "<prefix>/v1/admin/tenants".
//
//	POST /                                 onboard a tenant
//	POST /{tenantId}/service-accounts      provision a service account
//	POST /{tenantId}/keys/rotate           rotate a signing key
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(h.guard.Handler(ActionCreateTenant)).Post("/", h.onboardTenant)
	r.With(h.guard.Handler(ActionCreateServiceAccount)).Post("/{tenantId}/service-accounts", h.createServiceAccount)
	r.With(h.guard.Handler(ActionRotateKey)).Post("/{tenantId}/keys/rotate", h.rotateKey)
	return r
}

func (h *Handler) onboardTenant(w http.ResponseWriter, r *http.Request) {
	var req TenantOnboardingRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.svc.OnboardTenant(withActor(r), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (h *Handler) createServiceAccount(w http.ResponseWriter, r *http.Request) {
	var req ServiceAccountRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.svc.ProvisionServiceAccount(withActor(r), chi.URLParam(r, "tenantId"), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (h *Handler) rotateKey(w http.ResponseWriter, r *http.Request) {
	var req KeyRotationRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.svc.RotateKey(withActor(r), chi.URLParam(r, "tenantId"), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// withActor copies the authenticated subject into the context for audit
// events.
func withActor(r *http.Request) context.Context {
	ctx := r.Context()
	if res, ok := auth.FromContext(ctx); ok && res.Claims != nil {
		return contextWithActor(ctx, res.Claims.Subject)
	}
	return ctx
}

// decode reads a JSON body, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		respondError(w, sserr.Wrap(err, sserr.CodeValidation, "admin: request body must be a JSON object with known fields"))
		return false
	}
	return true
}

type errorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respondError writes err using its taxonomy code and status. Causes are
// not exposed.
func respondError(w http.ResponseWriter, err error) {
	e, ok := sserr.AsError(err)
	if !ok {
		e = sserr.Wrap(err, sserr.CodeInternal, "internal error")
	}
	respondJSON(w, e.HTTPStatus(), errorResponse{
		Error:   string(e.Code),
		Message: e.Message,
		Details: e.Details,
	})
}
