// Package api implements the agent- and operator-facing HTTP surface
// (spec.md §4.9/§6) over chi, following the teacher's Handler struct +
// Routes() chi.Router + httpserver.DecodeAndValidate/Respond/RespondError
// convention (pkg/alert.Handler).
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/fleetswitch/internal/apperr"
	"github.com/wisbric/fleetswitch/internal/authtenant"
	"github.com/wisbric/fleetswitch/internal/decision"
	"github.com/wisbric/fleetswitch/internal/dispatch"
	"github.com/wisbric/fleetswitch/internal/emergency"
	"github.com/wisbric/fleetswitch/internal/eventbus"
	"github.com/wisbric/fleetswitch/internal/httpserver"
	"github.com/wisbric/fleetswitch/internal/ingest"
	"github.com/wisbric/fleetswitch/internal/safety"
	"github.com/wisbric/fleetswitch/internal/store"
)

const defaultPollLimit = 10

// Handler provides HTTP handlers for the full agent- and operator-facing
// surface. It depends directly on *store.Store, matching the teacher's
// handlers depending directly on a concrete per-tenant querier rather than a
// narrow interface, since report_switch's cutover needs Store.Transact.
type Handler struct {
	store      *store.Store
	dispatch   *dispatch.Dispatcher
	emergency  *emergency.Orchestrator
	harness    *decision.Harness
	enforcer   *safety.Enforcer
	prices     *ingest.Buffer
	events     *eventbus.Bus
	limiter    *TenantLimiter
	logger     *slog.Logger
}

// NewHandler wires every domain collaborator the API surface needs.
func NewHandler(
	st *store.Store,
	d *dispatch.Dispatcher,
	orch *emergency.Orchestrator,
	harness *decision.Harness,
	enforcer *safety.Enforcer,
	prices *ingest.Buffer,
	events *eventbus.Bus,
	limiter *TenantLimiter,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		store:     st,
		dispatch:  d,
		emergency: orch,
		harness:   harness,
		enforcer:  enforcer,
		prices:    prices,
		events:    events,
		limiter:   limiter,
		logger:    logger,
	}
}

// Routes mounts every agent- and operator-facing route. Callers mount the
// result under httpserver.Server.APIRouter, which already carries tenant
// bearer-token auth.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	if h.limiter != nil {
		r.Use(h.limiter.Middleware)
	}

	r.Route("/agents", func(r chi.Router) {
		r.Post("/register", h.handleRegister)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/heartbeat", h.handleHeartbeat)
			r.Get("/commands", h.handlePoll)
			r.Post("/commands/{cmdID}/report", h.handleReportExecution)
			r.Post("/switch-report", h.handleSwitchReport)
			r.Post("/pricing-report", h.handlePricingReport)
			r.Post("/rebalance-recommendation", h.handleRebalanceRecommendation)
			r.Post("/termination-imminent", h.handleTerminationImminent)
			r.Post("/termination-report", h.handleTerminationReport)
			r.Get("/emergency-status", h.handleEmergencyStatus)
		})
	})

	r.Get("/instances", h.handleListInstances)
	r.Post("/force-switch", h.handleForceSwitch)
	r.Get("/notifications", h.handleNotifications)

	return r
}

// tenantID extracts the authenticated tenant from the request context. Only
// called after authtenant.Authenticator.Middleware has run, so a missing
// identity is a programming error, not a runtime condition.
func tenantID(r *http.Request) uuid.UUID {
	id := authtenant.FromContext(r.Context())
	if id == nil {
		panic("api: handler reached without an authenticated tenant identity")
	}
	return id.TenantID
}

// agentIDParam parses the {id} chi path parameter as a UUID.
func agentIDParam(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

// respondErr translates an apperr.Kind (or a bare error) to an HTTP status,
// mirroring the teacher's pgx.ErrNoRows/validation-error translation at the
// handler boundary (spec.md §7).
func respondErr(w http.ResponseWriter, logger *slog.Logger, action string, err error) {
	ae, ok := apperr.As(err)
	if !ok {
		logger.Error(action, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
		return
	}

	status := http.StatusInternalServerError
	switch ae.Kind {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindAuth:
		status = http.StatusUnauthorized
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindRetriable:
		status = http.StatusServiceUnavailable
	case apperr.KindDeadline:
		status = http.StatusGatewayTimeout
	case apperr.KindInternal:
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		logger.Error(action, "error", err)
	}
	httpserver.RespondError(w, status, string(ae.Kind), ae.Error())
}
