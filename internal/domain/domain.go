package domain

// Intake record statuses.
const (
	IntakeNeedsAction = "needs_action"
	IntakePlanned     = "planned"
	IntakeApproved    = "approved"
	IntakeExecuted    = "executed"
	IntakeFailed      = "failed"
)

// Plan statuses.
const (
	PlanDraft           = "draft"
	PlanPendingApproval = "pending_approval"
	PlanApproved        = "approved"
	PlanRejected        = "rejected"
	PlanExecuted        = "executed"
	PlanFailed          = "failed"
)

// Intake priorities.
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// RemediationSource is the source name used for intake records created on failure.
const RemediationSource = "remediation"

// Action log modes.
const (
	ModeDryRun  = "dry-run"
	ModeExecute = "execute"
)

// IntakeRecord is the canonical, deduplicated form of one external event.
type IntakeRecord struct {
	ID            string       `json:"id"`
	Source        string       `json:"source"`
	ExternalID    string       `json:"external_id"`
	ReceivedAt    string       `json:"received_at" format:"date-time"`
	Sender        string       `json:"sender,omitempty"`
	Channel       string       `json:"channel,omitempty"`
	ThreadID      string       `json:"thread_id,omitempty"`
	Excerpt       string       `json:"excerpt"`
	Status        string       `json:"status" enum:"needs_action,planned,approved,executed,failed"`
	PlanRequired  bool         `json:"plan_required"`
	PIIRedacted   bool         `json:"pii_redacted"`
	Priority      string       `json:"priority" enum:"low,normal,high,critical"`
	TimeSensitive bool         `json:"time_sensitive"`
	Archived      bool         `json:"archived"`
	Remediation   *Remediation `json:"remediation,omitempty"`
	CreatedAt     string       `json:"created_at" format:"date-time"`
	UpdatedAt     string       `json:"updated_at" format:"date-time"`
}

// Remediation holds the failure details carried by a remediation intake record.
type Remediation struct {
	Key        string `json:"key"`
	ErrorKind  string `json:"error_kind"`
	ServerName string `json:"server_name"`
	Operation  string `json:"operation"`
	PlanID     string `json:"plan_id,omitempty"`
	RetryCount int    `json:"retry_count"`
	Escalated  bool   `json:"escalated"`
}

// Operation is the external capability a plan targets.
type Operation struct {
	Server string         `json:"server" yaml:"server"`
	Name   string         `json:"operation" yaml:"operation"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Key returns the capability table key for the operation.
func (o Operation) Key() string {
	return o.Server + "." + o.Name
}

type Plan struct {
	ID             string    `json:"plan_id"`
	SourceIntakeID *string   `json:"source_intake_id,omitempty"`
	Objective      string    `json:"objective"`
	RiskLevel      string    `json:"risk_level" enum:"low,medium,high,critical"`
	Category       string    `json:"category"`
	Operation      Operation `json:"operation"`
	OperationHash  string    `json:"operation_hash"`
	Status         string    `json:"status" enum:"draft,pending_approval,approved,rejected,executed,failed"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      string    `json:"created_at" format:"date-time"`
	UpdatedAt      string    `json:"updated_at" format:"date-time"`
	ApprovedAt     *string   `json:"approved_at,omitempty" format:"date-time"`
	DecidedAt      *string   `json:"decided_at,omitempty" format:"date-time"`
	DecidedBy      *string   `json:"decided_by,omitempty"`
	ExecutedAt     *string   `json:"executed_at,omitempty" format:"date-time"`
}

// ActionLogEntry is one immutable record of a dispatcher call.
type ActionLogEntry struct {
	Timestamp       string         `json:"timestamp"`
	PlanID          string         `json:"plan_id"`
	Tool            string         `json:"tool"`
	Operation       string         `json:"operation"`
	Parameters      map[string]any `json:"parameters"`
	Mode            string         `json:"mode"`
	Success         bool           `json:"success"`
	DurationMS      int64          `json:"duration_ms"`
	Attempts        int            `json:"attempts"`
	ResponseSummary string         `json:"response_summary"`
	Error           string         `json:"error,omitempty"`
}

// CheckpointEntry records one processed external id for a source.
type CheckpointEntry struct {
	Source      string `json:"source"`
	ExternalID  string `json:"external_id"`
	ProcessedAt string `json:"processed_at" format:"date-time"`
}

// Failure describes a dispatcher or intake failure handed to remediation.
type Failure struct {
	ErrorKind  string
	ServerName string
	Operation  string
	PlanID     string
	Detail     string
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// ApproverKey is a hashed API key that identifies a human approver.
type ApproverKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles"`
	KeyHash   string   `json:"key_hash"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}
