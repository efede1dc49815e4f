package api

import (
	"encoding/json"

	"github.com/wisbric/fleetswitch/internal/model"
)

// RegisterRequest is the body for POST /agents/register (spec.md §6).
type RegisterRequest struct {
	LogicalAgentID string `json:"logical_agent_id" validate:"required"`
	InstanceID     string `json:"instance_id" validate:"required"`
	InstanceType   string `json:"instance_type" validate:"required"`
	Region         string `json:"region" validate:"required"`
	AZ             string `json:"az" validate:"required"`
	Mode           string `json:"mode" validate:"required,oneof=spot ondemand"`
	Hostname       string `json:"hostname,omitempty"`
	AMIID          string `json:"ami_id,omitempty"`
	AgentVersion   string `json:"agent_version,omitempty"`
	IP             string `json:"ip,omitempty"`
}

// RegisterResponse returns the agent's identity and effective config.
type RegisterResponse struct {
	AgentID       string            `json:"agent_id"`
	Config        model.AgentConfig `json:"config"`
	ConfigVersion int64             `json:"config_version"`
}

// HeartbeatRequest is the body for POST /agents/{id}/heartbeat.
type HeartbeatRequest struct {
	Status     string  `json:"status" validate:"required,oneof=online offline"`
	InstanceID *string `json:"instance_id,omitempty"`
	Mode       *string `json:"mode,omitempty" validate:"omitempty,oneof=spot ondemand"`
	AZ         *string `json:"az,omitempty"`
}

// HeartbeatResponse acknowledges a heartbeat and reports the agent's current
// config version so the agent can detect a stale local config.
type HeartbeatResponse struct {
	OK            bool  `json:"ok"`
	ConfigVersion int64 `json:"config_version"`
}

// ReportExecutionRequest is the body for POST /agents/{id}/commands/{cmd_id}/report.
type ReportExecutionRequest struct {
	Success bool    `json:"success"`
	Message *string `json:"message,omitempty"`
}

// SwitchReportRequest is the body for POST /agents/{id}/switch-report.
type SwitchReportRequest struct {
	FromInstanceID  string  `json:"from_instance_id" validate:"required"`
	ToInstanceID    string  `json:"to_instance_id" validate:"required"`
	OldPrice        float64 `json:"old_price" validate:"gte=0"`
	NewPrice        float64 `json:"new_price" validate:"gte=0"`
	DowntimeSeconds float64 `json:"downtime_seconds" validate:"gte=0"`
	Trigger         string  `json:"trigger" validate:"required,oneof=automatic manual emergency"`
}

// PriceSample is one pool's reported spot price within a pricing report.
type PriceSample struct {
	PoolID       string  `json:"pool_id" validate:"required"`
	InstanceType string  `json:"instance_type" validate:"required"`
	AZ           string  `json:"az" validate:"required"`
	Price        float64 `json:"price" validate:"gte=0"`
}

// PricingReportRequest is the body for POST /agents/{id}/pricing-report.
type PricingReportRequest struct {
	Role          string        `json:"role" validate:"required,oneof=primary replica"`
	Region        string        `json:"region" validate:"required"`
	Samples       []PriceSample `json:"samples" validate:"required,min=1,dive"`
	OnDemandPrice *float64      `json:"on_demand_price,omitempty" validate:"omitempty,gte=0"`
}

// EmergencyNoticeRequest is the body for both emergency entry-point
// endpoints; the cloud provider's notice carries no other agent-specific
// payload in this system's scope.
type EmergencyNoticeRequest struct {
	NoticeTimeUnix int64 `json:"notice_time_unix" validate:"required"`
}

// TerminationReportRequest is the body for POST /agents/{id}/termination-report.
type TerminationReportRequest struct {
	InstanceID string `json:"instance_id" validate:"required"`
	Confirmed  bool   `json:"confirmed"`
}

// ForceSwitchRequest is the body for the operator-facing manual switch
// override (spec.md §4.9 "force_switch").
type ForceSwitchRequest struct {
	AgentID      string `json:"agent_id" validate:"required,uuid"`
	TargetPoolID string `json:"target_pool_id" validate:"required"`
	TargetMode   string `json:"target_mode" validate:"required,oneof=spot ondemand"`
}

// EmergencyStatusResponse reports one agent's in-flight interruption notice.
type EmergencyStatusResponse struct {
	AgentID        string  `json:"agent_id"`
	NoticeStatus   string  `json:"notice_status"`
	NoticeDeadline *string `json:"notice_deadline,omitempty"`
}

// CommandResponse mirrors model.Command for JSON responses.
type CommandResponse struct {
	ID                   string  `json:"id"`
	InstanceID           *string `json:"instance_id,omitempty"`
	CommandType          string  `json:"command_type"`
	TargetMode           *string `json:"target_mode,omitempty"`
	TargetPoolID         *string `json:"target_pool_id,omitempty"`
	Priority             uint8   `json:"priority"`
	TerminateWaitSeconds int     `json:"terminate_wait_seconds,omitempty"`
	Status               string  `json:"status"`
	Deadline             string  `json:"deadline"`
}

func commandToResponse(c *model.Command) CommandResponse {
	resp := CommandResponse{
		ID:                   c.ID.String(),
		InstanceID:           c.InstanceID,
		CommandType:          string(c.CommandType),
		TargetPoolID:         c.TargetPoolID,
		Priority:             c.Priority,
		TerminateWaitSeconds: c.TerminateWaitSeconds,
		Status:               string(c.Status),
		Deadline:             c.Deadline.UTC().Format(timeFormat),
	}
	if c.TargetMode != nil {
		m := string(*c.TargetMode)
		resp.TargetMode = &m
	}
	return resp
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

// NotificationResponse mirrors model.SystemEvent for the operator-facing
// notifications feed.
type NotificationResponse struct {
	ID        int64           `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}
