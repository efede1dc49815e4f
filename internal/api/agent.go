package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/fleetswitch/internal/apperr"
	"github.com/wisbric/fleetswitch/internal/httpserver"
	"github.com/wisbric/fleetswitch/internal/model"
	"github.com/wisbric/fleetswitch/internal/statemachine"
	"github.com/wisbric/fleetswitch/internal/store"
)

// handleRegister upserts an agent and its initial running instance,
// returning the effective config so a freshly installed agent bootstraps in
// one round trip (spec.md §4.9 "register").
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()
	tenant := tenantID(r)
	mode := model.AgentMode(req.Mode)

	agent, err := h.store.RegisterAgent(ctx, tenant, req.LogicalAgentID, &req.InstanceID, mode, req.Region, req.AZ)
	if err != nil {
		respondErr(w, h.logger, "registering agent", err)
		return
	}

	poolID := req.InstanceType + "." + req.AZ
	if _, err := h.store.EnsurePool(ctx, poolID, req.Region, req.InstanceType, req.AZ); err != nil {
		respondErr(w, h.logger, "ensuring pool", err)
		return
	}

	if _, err := h.store.GetInstance(ctx, req.InstanceID); apperr.Is(err, apperr.KindNotFound) {
		_, err := h.store.InsertInstance(ctx, &model.Instance{
			ID:           req.InstanceID,
			AgentID:      agent.ID,
			InstanceType: req.InstanceType,
			Region:       req.Region,
			AZ:           req.AZ,
			PoolID:       poolID,
			Mode:         mode,
			Status:       model.InstanceRunningPrimary,
			IsPrimary:    true,
			IsActive:     true,
		})
		if err != nil {
			respondErr(w, h.logger, "inserting instance", err)
			return
		}
	} else if err != nil {
		respondErr(w, h.logger, "checking existing instance", err)
		return
	}

	if err := h.store.UpdateAgentInstancePointer(ctx, agent.ID, &req.InstanceID, mode, &poolID); err != nil {
		respondErr(w, h.logger, "updating agent instance pointer", err)
		return
	}

	cfg, err := h.store.GetOrCreateAgentConfig(ctx, agent.ID)
	if err != nil {
		respondErr(w, h.logger, "loading agent config", err)
		return
	}

	httpserver.Respond(w, http.StatusOK, RegisterResponse{
		AgentID:       agent.ID.String(),
		Config:        cfg,
		ConfigVersion: agent.ConfigVersion,
	})
}

// handleHeartbeat updates an agent's liveness fields, refusing to update
// instance_id if the claimed instance is zombie/terminated/non-primary
// (spec.md §4.7 rejected-heartbeat rule).
func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	var req HeartbeatRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()
	tenant := tenantID(r)

	agent, err := h.store.GetAgent(ctx, tenant, agentID)
	if err != nil {
		respondErr(w, h.logger, "loading agent for heartbeat", err)
		return
	}

	if err := h.store.Heartbeat(ctx, agentID, model.AgentStatus(req.Status)); err != nil {
		respondErr(w, h.logger, "recording heartbeat", err)
		return
	}

	if req.InstanceID != nil {
		inst, err := h.store.GetInstance(ctx, *req.InstanceID)
		if err != nil && !apperr.Is(err, apperr.KindNotFound) {
			respondErr(w, h.logger, "loading claimed instance", err)
			return
		}
		if inst != nil && statemachine.HeartbeatAllowsInstancePointer(inst) {
			mode := agent.Mode
			if req.Mode != nil {
				mode = model.AgentMode(*req.Mode)
			}
			if err := h.store.UpdateAgentInstancePointer(ctx, agentID, req.InstanceID, mode, &inst.PoolID); err != nil {
				respondErr(w, h.logger, "updating agent instance pointer", err)
				return
			}
		}
	}

	httpserver.Respond(w, http.StatusOK, HeartbeatResponse{OK: true, ConfigVersion: agent.ConfigVersion})
}

// handlePoll returns pending commands for the agent, transitioning them to
// in_flight (spec.md §4.6).
func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	limit := defaultPollLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	commands, err := h.dispatch.Poll(r.Context(), agentID, limit)
	if err != nil {
		respondErr(w, h.logger, "polling commands", err)
		return
	}

	resp := make([]CommandResponse, 0, len(commands))
	for _, c := range commands {
		resp = append(resp, commandToResponse(c))
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

// handleReportExecution finalizes a command's outcome.
func (h *Handler) handleReportExecution(w http.ResponseWriter, r *http.Request) {
	cmdID, err := uuid.Parse(chi.URLParam(r, "cmdID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid command id")
		return
	}
	var req ReportExecutionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	ctx := r.Context()
	cmd, err := h.dispatch.Report(ctx, cmdID, req.Success, req.Message)
	if err != nil {
		respondErr(w, h.logger, "reporting command execution", err)
		return
	}

	// A completed promote_replica command is the only place in the system
	// that walks a replica through running_replica -> promoting ->
	// running_primary (spec.md §4.8's "existing replica is ready" path).
	if req.Success && cmd.CommandType == model.CommandPromoteReplica && cmd.InstanceID != nil {
		inst, err := h.store.GetInstance(ctx, *cmd.InstanceID)
		if err != nil {
			respondErr(w, h.logger, "loading instance to promote", err)
			return
		}
		if err := statemachine.PromoteReplica(ctx, h.store, inst); err != nil {
			respondErr(w, h.logger, "promoting replica", err)
			return
		}
	}

	httpserver.Respond(w, http.StatusOK, commandToResponse(cmd))
}

// handleSwitchReport records a completed cutover via the State Machine's
// transactional batch (spec.md §4.7): all four writes commit together or
// none do.
func (h *Handler) handleSwitchReport(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	var req SwitchReportRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()
	tenant := tenantID(r)

	agent, err := h.store.GetAgent(ctx, tenant, agentID)
	if err != nil {
		respondErr(w, h.logger, "loading agent for switch report", err)
		return
	}
	oldPrimary, err := h.store.GetInstance(ctx, req.FromInstanceID)
	if err != nil {
		respondErr(w, h.logger, "loading old primary instance", err)
		return
	}
	newReplica, err := h.store.GetInstance(ctx, req.ToInstanceID)
	if err != nil {
		respondErr(w, h.logger, "loading new replica instance", err)
		return
	}

	err = h.store.Transact(ctx, func(txs *store.Store) error {
		return statemachine.Cutover(ctx, txs, statemachine.CutoverParams{
			Agent:      agent,
			OldPrimary: oldPrimary,
			NewReplica: newReplica,
			OldPrice:   req.OldPrice,
			NewPrice:   req.NewPrice,
			Trigger:    model.SwitchTrigger(req.Trigger),
		})
	})
	if err != nil {
		respondErr(w, h.logger, "running cutover batch", err)
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
}

// handlePricingReport ingests raw price samples for one or more pools plus
// the on-demand reference, via the bounded per-pool ingestion buffer so a
// burst of agent reports never blocks the request (spec.md §5 backpressure).
func (h *Handler) handlePricingReport(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	var req PricingReportRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	now := time.Now()

	for _, s := range req.Samples {
		h.prices.Offer(&model.PriceRaw{
			PoolID:     s.PoolID,
			Price:      s.Price,
			CapturedAt: now,
			Source:     model.SourceAgent,
			Role:       model.PriceRole(req.Role),
			AgentID:    &agentID,
		})
	}

	if req.OnDemandPrice != nil && len(req.Samples) > 0 {
		first := req.Samples[0]
		if err := h.store.UpsertOnDemandPrice(r.Context(), &model.OnDemandPrice{
			Region:       req.Region,
			InstanceType: first.InstanceType,
			Price:        *req.OnDemandPrice,
			EffectiveAt:  now,
		}); err != nil {
			respondErr(w, h.logger, "upserting on-demand price", err)
			return
		}
	}

	httpserver.Respond(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// handleRebalanceRecommendation is the best-case emergency entry point
// (spec.md §4.8): a >=2 minute horizon before the instance is reclaimed.
func (h *Handler) handleRebalanceRecommendation(w http.ResponseWriter, r *http.Request) {
	h.handleEmergencyNotice(w, r, func(agent *model.Agent, inst *model.Instance, t time.Time) error {
		return h.emergency.OnRebalanceRecommendation(r.Context(), agent, inst, t)
	})
}

// handleTerminationImminent is the worst-case emergency entry point
// (spec.md §4.8): <=2 minutes before reclaim.
func (h *Handler) handleTerminationImminent(w http.ResponseWriter, r *http.Request) {
	h.handleEmergencyNotice(w, r, func(agent *model.Agent, inst *model.Instance, t time.Time) error {
		return h.emergency.OnTerminationNotice(r.Context(), agent, inst, t)
	})
}

func (h *Handler) handleEmergencyNotice(w http.ResponseWriter, r *http.Request, run func(*model.Agent, *model.Instance, time.Time) error) {
	agentID, err := agentIDParam(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	var req EmergencyNoticeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()
	tenant := tenantID(r)

	agent, err := h.store.GetAgent(ctx, tenant, agentID)
	if err != nil {
		respondErr(w, h.logger, "loading agent for emergency notice", err)
		return
	}
	if agent.InstanceID == nil {
		httpserver.RespondError(w, http.StatusConflict, "conflict", "agent has no current instance to re-home")
		return
	}
	inst, err := h.store.GetInstance(ctx, *agent.InstanceID)
	if err != nil {
		respondErr(w, h.logger, "loading agent's current instance", err)
		return
	}

	noticeTime := time.Unix(req.NoticeTimeUnix, 0).UTC()
	if err := run(agent, inst, noticeTime); err != nil {
		respondErr(w, h.logger, "handling emergency notice", err)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// handleTerminationReport confirms a terminate attempt's outcome, advancing
// the instance through its final two transitions on success (spec.md §4.7).
func (h *Handler) handleTerminationReport(w http.ResponseWriter, r *http.Request) {
	if _, err := agentIDParam(r); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	var req TerminationReportRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	if err := h.store.ConfirmTermination(ctx, req.InstanceID, req.Confirmed); err != nil {
		respondErr(w, h.logger, "recording termination confirmation", err)
		return
	}

	if req.Confirmed {
		inst, err := h.store.GetInstance(ctx, req.InstanceID)
		if err != nil {
			respondErr(w, h.logger, "loading instance for termination", err)
			return
		}
		if inst.Status == model.InstanceZombie {
			if err := statemachine.MarkTerminating(ctx, h.store, inst); err != nil {
				respondErr(w, h.logger, "marking instance terminating", err)
				return
			}
			inst.Version++
			inst.Status = model.InstanceTerminating
		}
		if inst.Status == model.InstanceTerminating {
			if err := statemachine.MarkTerminated(ctx, h.store, inst); err != nil {
				respondErr(w, h.logger, "marking instance terminated", err)
				return
			}
		}
	}

	httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleEmergencyStatus reports an agent's in-flight interruption notice.
func (h *Handler) handleEmergencyStatus(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	tenant := tenantID(r)

	agent, err := h.store.GetAgent(r.Context(), tenant, agentID)
	if err != nil {
		respondErr(w, h.logger, "loading agent for emergency status", err)
		return
	}

	resp := EmergencyStatusResponse{AgentID: agent.ID.String(), NoticeStatus: string(agent.NoticeStatus)}
	if agent.NoticeDeadline != nil {
		s := agent.NoticeDeadline.UTC().Format(timeFormat)
		resp.NoticeDeadline = &s
	}
	httpserver.Respond(w, http.StatusOK, resp)
}
