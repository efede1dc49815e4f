// Package model defines the core domain entities shared across the store,
// decision, safety, dispatch, statemachine, and emergency packages.
package model

import (
	"time"

	"github.com/google/uuid"
)

// AgentMode is the power source an instance is currently running on.
type AgentMode string

const (
	ModeSpot     AgentMode = "spot"
	ModeOnDemand AgentMode = "ondemand"
)

// AgentStatus reflects connectivity, not instance lifecycle.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentDeleted AgentStatus = "deleted"
)

// NoticeStatus tracks an in-flight cloud-provider interruption notice.
type NoticeStatus string

const (
	NoticeNone        NoticeStatus = "none"
	NoticeRebalance   NoticeStatus = "rebalance"
	NoticeTermination NoticeStatus = "termination"
)

// InstanceStatus is the node in the state machine graph (see internal/statemachine).
type InstanceStatus string

const (
	InstanceLaunching      InstanceStatus = "launching"
	InstanceRunningPrimary InstanceStatus = "running_primary"
	InstanceRunningReplica InstanceStatus = "running_replica"
	InstancePromoting      InstanceStatus = "promoting"
	InstanceTerminating    InstanceStatus = "terminating"
	InstanceZombie         InstanceStatus = "zombie"
	InstanceTerminated     InstanceStatus = "terminated"
)

// PriceSource identifies how a price sample was obtained.
type PriceSource string

const (
	SourceAgent        PriceSource = "agent"
	SourceProviderAPI  PriceSource = "provider_api"
	SourceInterpolated PriceSource = "interpolated"
)

// PriceRole distinguishes samples reported from a primary vs replica instance.
type PriceRole string

const (
	RolePrimary PriceRole = "primary"
	RoleReplica PriceRole = "replica"
)

// CommandType enumerates the actions the dispatcher can hand an agent.
type CommandType string

const (
	CommandSwitch         CommandType = "switch"
	CommandLaunch         CommandType = "launch"
	CommandTerminate      CommandType = "terminate"
	CommandCreateReplica  CommandType = "create_replica"
	CommandPromoteReplica CommandType = "promote_replica"
)

// CommandStatus is the command's lifecycle state.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandInFlight  CommandStatus = "in_flight"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandExpired   CommandStatus = "expired"
)

// Priority levels for commands, higher preempts lower (spec §4.6).
const (
	PriorityEmergencyPromotion uint8 = 100
	PriorityEmergencyReplica   uint8 = 90
	PriorityManualSwitch       uint8 = 75
	PriorityScorerSwitch       uint8 = 50
	PriorityRoutineTerminate   uint8 = 20
)

// SwitchTrigger records what caused a completed cutover.
type SwitchTrigger string

const (
	TriggerAutomatic SwitchTrigger = "automatic"
	TriggerManual    SwitchTrigger = "manual"
	TriggerEmergency SwitchTrigger = "emergency"
)

// SafetySeverity grades a recorded safety violation.
type SafetySeverity string

const (
	SeverityHigh     SafetySeverity = "high"
	SeverityCritical SafetySeverity = "critical"
)

// Tenant owns every agent, instance, and command in the fleet.
type Tenant struct {
	ID        uuid.UUID
	Name      string
	AuthToken string // hashed at rest; never the raw bearer value
	Enabled   bool
	CreatedAt time.Time
	DeletedAt *time.Time
}

// AgentConfig holds the per-agent policy knobs (spec §3 "Agent config").
type AgentConfig struct {
	Enabled               bool
	AutoSwitchEnabled     bool
	ManualReplicaEnabled  bool
	AutoTerminateEnabled  bool
	TerminateWaitSeconds  int
	MinSavingsPercent     float64
	RiskThreshold         float64
	MaxSwitchesPerWeek    int
	MinPoolDurationHours  int
}

// Agent is one managed VM-switching client, identified stably by LogicalID
// across reinstalls.
type Agent struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	LogicalID        string
	InstanceID       *string // weak back-reference to Instance.ID
	Mode             AgentMode
	CurrentPoolID    *string
	Region           string
	AZ               string
	LastHeartbeatAt  *time.Time
	Status           AgentStatus
	Config           AgentConfig
	ConfigVersion    int64
	NoticeStatus     NoticeStatus
	NoticeDeadline   *time.Time
	LastSwitchAt     *time.Time
	RecentSwitches7d int
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Instance is one row per cloud VM ever seen for an agent.
type Instance struct {
	ID                      string // cloud VM id
	AgentID                 uuid.UUID
	InstanceType            string
	Region                  string
	AZ                      string
	PoolID                  string
	Mode                    AgentMode
	Status                  InstanceStatus
	IsPrimary               bool
	IsActive                bool
	Version                 int64
	SpotPrice               *float64
	OnDemandPrice           *float64
	BaselineOnDemandPrice   *float64
	LaunchedAt              *time.Time
	RunningAt               *time.Time
	PromotingAt             *time.Time
	TerminatingAt           *time.Time
	ZombieAt                *time.Time
	TerminatedAt            *time.Time
	TerminationAttemptedAt  *time.Time
	TerminationConfirmed    bool
	BootDurationSeconds     *float64
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Pool groups instances of one instance type in one AZ. Immutable save for
// its cached metrics fields.
type Pool struct {
	ID                  string // instance_type + "." + az
	Region              string
	InstanceType         string
	AZ                   string
	AvgBootTimeSeconds   *float64
	IsActive             bool
}

// PriceRaw is an append-only sample as reported by an agent or backfilled
// from a provider price history API.
type PriceRaw struct {
	ID          int64
	PoolID      string
	Price       float64
	CapturedAt  time.Time
	Source      PriceSource
	Role        PriceRole
	AgentID     *uuid.UUID
}

// PriceConsolidated is a deduplicated, 5-minute-bucketed price, replaced on
// every consolidation run.
type PriceConsolidated struct {
	PoolID     string
	Timestamp  time.Time
	Price      float64
	Source     PriceSource
	Confidence float64
	RunID      uuid.UUID
}

// PriceCanonical is the feature-extraction copy of consolidated rows whose
// source is agent or provider_api.
type PriceCanonical struct {
	PoolID     string
	Timestamp  time.Time
	Price      float64
	Source     PriceSource
	Confidence float64
}

// OnDemandPrice is the effective-dated reference price for a region/type pair.
type OnDemandPrice struct {
	Region       string
	InstanceType string
	Price        float64
	EffectiveAt  time.Time
}

// Command is one instruction handed to an agent on its next poll.
type Command struct {
	ID                   uuid.UUID
	AgentID              uuid.UUID
	InstanceID           *string
	CommandType          CommandType
	TargetMode           *AgentMode
	TargetPoolID         *string
	Priority             uint8
	TerminateWaitSeconds int
	Status               CommandStatus
	RequestID            string
	CreatedAt            time.Time
	Deadline             time.Time
	ExecutedAt           *time.Time
	Success              *bool
	Message              *string
}

// SwitchRecord is an immutable audit row for a completed cutover.
type SwitchRecord struct {
	ID                  uuid.UUID
	AgentID              uuid.UUID
	FromInstanceID       string
	ToInstanceID         string
	FromPoolID           string
	ToPoolID             string
	FromMode             AgentMode
	ToMode               AgentMode
	OldPrice             float64
	NewPrice             float64
	SavingsImpactPerHour float64
	DowntimeSeconds      float64
	Trigger              SwitchTrigger
	CreatedAt            time.Time
}

// SafetyViolation records a recommendation the Safety Enforcer rejected or
// modified.
type SafetyViolation struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	Severity     SafetySeverity
	Reasons      []string
	Original     []byte // JSON snapshot of the proposed recommendation
	Alternative  []byte // JSON snapshot of the safe alternative, if any
	CreatedAt    time.Time
}

// DecisionRecord is an analytics row for every Decision Engine Harness
// evaluation, whether it resulted in a switch or was filtered (spec.md §4.4
// "every decision, accepted or filtered, is persisted for analytics").
type DecisionRecord struct {
	ID                     int64
	AgentID                uuid.UUID
	Action                 string
	TargetPoolID           *string
	RiskScore              float64
	ExpectedSavingsPerHour float64
	Confidence             float64
	Reason                 string
	CreatedAt              time.Time
}

// SystemEvent is a best-effort audit row fed by the event bus.
type SystemEvent struct {
	ID        int64
	TenantID  uuid.UUID
	Topic     string
	Payload   []byte // JSON
	CreatedAt time.Time
}
