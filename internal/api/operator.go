package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/fleetswitch/internal/dispatch"
	"github.com/wisbric/fleetswitch/internal/httpserver"
	"github.com/wisbric/fleetswitch/internal/model"
)

// InstanceResponse mirrors model.Instance for the operator-facing instance
// listing.
type InstanceResponse struct {
	ID           string  `json:"id"`
	AgentID      string  `json:"agent_id"`
	PoolID       string  `json:"pool_id"`
	InstanceType string  `json:"instance_type"`
	Region       string  `json:"region"`
	AZ           string  `json:"az"`
	Mode         string  `json:"mode"`
	Status       string  `json:"status"`
	IsPrimary    bool     `json:"is_primary"`
	IsActive     bool     `json:"is_active"`
	SpotPrice    *float64 `json:"spot_price,omitempty"`
}

func instanceToResponse(i *model.Instance) InstanceResponse {
	return InstanceResponse{
		ID:           i.ID,
		AgentID:      i.AgentID.String(),
		PoolID:       i.PoolID,
		InstanceType: i.InstanceType,
		Region:       i.Region,
		AZ:           i.AZ,
		Mode:         string(i.Mode),
		Status:       string(i.Status),
		IsPrimary:    i.IsPrimary,
		IsActive:     i.IsActive,
		SpotPrice:    i.SpotPrice,
	}
}

// handleListInstances lists every instance belonging to the calling tenant's
// agents (spec.md §4.9 "list_instances").
func (h *Handler) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.store.ListInstancesForTenant(r.Context(), tenantID(r))
	if err != nil {
		respondErr(w, h.logger, "listing instances", err)
		return
	}
	resp := make([]InstanceResponse, 0, len(instances))
	for _, i := range instances {
		resp = append(resp, instanceToResponse(i))
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

// handleForceSwitch enqueues an operator-initiated switch at manual priority,
// the explicit escape hatch around the scorer and safety enforcer's
// fleet-level constraints (spec.md §4.9 "force_switch").
func (h *Handler) handleForceSwitch(w http.ResponseWriter, r *http.Request) {
	var req ForceSwitchRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()
	tenant := tenantID(r)

	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	agent, err := h.store.GetAgent(ctx, tenant, agentID)
	if err != nil {
		respondErr(w, h.logger, "loading agent for force switch", err)
		return
	}

	mode := model.AgentMode(req.TargetMode)
	cmd, err := h.dispatch.Enqueue(ctx, agent, dispatch.EnqueueParams{
		InstanceID:   agent.InstanceID,
		CommandType:  model.CommandSwitch,
		TargetMode:   &mode,
		TargetPoolID: &req.TargetPoolID,
		Priority:     model.PriorityManualSwitch,
		RequestID:    "force-switch-" + agentID.String() + "-" + strconv.FormatInt(time.Now().UnixNano(), 10),
	})
	if err != nil {
		respondErr(w, h.logger, "enqueuing forced switch", err)
		return
	}

	httpserver.Respond(w, http.StatusAccepted, commandToResponse(cmd))
}

// handleNotifications returns recent system events for the calling tenant
// (spec.md §4.9 "notifications"), polled by operator tooling rather than
// pushed.
func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-1 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "since must be RFC3339")
			return
		}
		since = t
	}
	limit := defaultPollLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := h.store.ListRecentEvents(r.Context(), tenantID(r), since, limit)
	if err != nil {
		respondErr(w, h.logger, "listing notifications", err)
		return
	}

	resp := make([]NotificationResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, NotificationResponse{
			ID:        e.ID,
			Topic:     e.Topic,
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt.UTC().Format(timeFormat),
		})
	}
	httpserver.Respond(w, http.StatusOK, resp)
}
