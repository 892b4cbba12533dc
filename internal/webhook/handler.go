package webhook

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/tenant"
)

// maxNotificationBytes caps how much of a callback body is read. Provider
// notifications are small envelopes; anything larger is not one.
const maxNotificationBytes = 1 << 20

// validationTokenPattern is what a handshake token must look like before it
// is echoed back into an HTTP response: a canonical UUID, nothing else.
// Anything that is not one is refused, which keeps markup out of the echo
// without escaping it (Microsoft matches the echo byte for byte).
var validationTokenPattern = regexp.MustCompile(`(?i)^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)

// Handler answers provider webhook callbacks.
type Handler struct {
	pipeline *Pipeline
	tenants  tenant.Directory
	logger   *slog.Logger
}

// HandlerConfig holds dependencies for the webhook handler.
type HandlerConfig struct {
	Pipeline *Pipeline
	Tenants  tenant.Directory
	Logger   *slog.Logger
}

// NewHandler creates a new webhook handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		pipeline: cfg.Pipeline,
		tenants:  cfg.Tenants,
		logger:   cfg.Logger,
	}
}

// HandleGoogle handles POST /webhooks/google-calendar/{tenant_id}
func (h *Handler) HandleGoogle(w http.ResponseWriter, r *http.Request) {
	h.notify(w, r, domain.ProviderGoogle)
}

// HandleMicrosoft handles POST /webhooks/microsoft-calendar/{tenant_id}
func (h *Handler) HandleMicrosoft(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Has("validationToken") {
		h.handshake(w, r, query.Get("validationToken"))
		return
	}
	h.notify(w, r, domain.ProviderMicrosoft)
}

// handshake answers Microsoft's endpoint validation probe by echoing the
// token verbatim. Only canonical UUID tokens are accepted; anything else is
// refused with 400 before it reaches the response.
func (h *Handler) handshake(w http.ResponseWriter, r *http.Request, token string) {
	if _, ok := h.resolveTenant(w, r); !ok {
		return
	}
	if !validationTokenPattern.MatchString(token) {
		h.logger.Warn("webhook handshake rejected", "path", r.URL.Path)
		writeError(w, http.StatusBadRequest, "unacceptable validation token")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, token); err != nil {
		h.logger.Error("failed to write handshake response", "error", err)
	}
}

// notify runs one callback through the pipeline and maps the outcome to a
// status code: 400 when validation refused it, 500 only when the
// notification could not be recorded, 200 otherwise.
func (h *Handler) notify(w http.ResponseWriter, r *http.Request, provider domain.Provider) {
	tc, ok := h.resolveTenant(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	we, err := h.pipeline.Process(r.Context(), tc, provider, r.Header, body)
	switch {
	case errors.Is(err, ErrValidation):
		h.logger.Warn("webhook notification rejected", "provider", provider, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		h.logger.Error("failed to record webhook notification", "provider", provider, "error", err)
		writeError(w, http.StatusInternalServerError, "notification not recorded")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": string(we.Status())})
	}
}

// resolveTenant maps the path's tenant id to a tenant context. Anything
// short of an unambiguous match is refused with 404: notifications are never
// routed to a fallback tenant.
func (h *Handler) resolveTenant(w http.ResponseWriter, r *http.Request) (tenant.Context, bool) {
	id, err := uuid.Parse(r.PathValue("tenant_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown tenant")
		return tenant.Context{}, false
	}
	tc, err := h.tenants.Resolve(r.Context(), id)
	if err != nil {
		if errors.Is(err, tenant.ErrUnknownTenant) {
			writeError(w, http.StatusNotFound, "unknown tenant")
		} else {
			h.logger.Error("failed to resolve tenant", "tenant_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "tenant lookup failed")
		}
		return tenant.Context{}, false
	}
	return tc, true
}
