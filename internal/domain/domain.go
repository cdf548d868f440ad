package domain

import "encoding/json"

type House string

const (
	HouseCurator   House = "curator"
	HouseHarvester House = "harvester"
	HouseBuilder   House = "builder"
	HouseReviewer  House = "reviewer"
	HouseVision    House = "vision"
	HouseVoice     House = "voice"
)

// Houses lists every house in roster order.
var Houses = []House{HouseCurator, HouseHarvester, HouseBuilder, HouseReviewer, HouseVision, HouseVoice}

func (h House) Valid() bool {
	for _, v := range Houses {
		if v == h {
			return true
		}
	}
	return false
}

type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentWorking  AgentStatus = "working"
	AgentWaiting  AgentStatus = "waiting"
	AgentError    AgentStatus = "error"
	AgentDisabled AgentStatus = "disabled"
)

type Agent struct {
	ID           string          `json:"id"`
	House        House           `json:"house"`
	Name         string          `json:"name"`
	Status       AgentStatus     `json:"status" enum:"idle,working,waiting,error,disabled"`
	Capabilities []string        `json:"capabilities"`
	Config       json.RawMessage `json:"config,omitempty"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
	LastActiveAt *string         `json:"last_active_at,omitempty" format:"date-time"`
}

type AgentState struct {
	AgentID   string          `json:"agent_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

type AgentHealth struct {
	AgentID      string      `json:"agent_id"`
	House        House       `json:"house"`
	Alive        bool        `json:"alive"`
	Status       AgentStatus `json:"status"`
	LastActivity *string     `json:"last_activity,omitempty" format:"date-time"`
	Error        string      `json:"error,omitempty"`
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	TargetAgent *string         `json:"target_agent,omitempty"`
	ClaimedBy   *string         `json:"claimed_by,omitempty"`
	ProjectID   string          `json:"project_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Status      TaskStatus      `json:"status" enum:"pending,assigned,running,completed,failed,cancelled"`
	Priority    int             `json:"priority"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	AssignedAt  *string         `json:"assigned_at,omitempty" format:"date-time"`
	StartedAt   *string         `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string         `json:"completed_at,omitempty" format:"date-time"`
	AvailableAt *string         `json:"available_at,omitempty" format:"date-time"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Retries     int             `json:"retries"`
	MaxRetries  int             `json:"max_retries"`
	TimeoutMs   int64           `json:"timeout_ms"`
	DependsOn   []string        `json:"depends_on,omitempty"`
}

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
	ProposalAuto     ProposalStatus = "auto"
)

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

type Vote string

const (
	VoteApprove Vote = "approve"
	VoteReject  Vote = "reject"
	VoteAbstain Vote = "abstain"
)

func (v Vote) Valid() bool {
	return v == VoteApprove || v == VoteReject || v == VoteAbstain
}

type Proposal struct {
	ID               string          `json:"id"`
	AgentID          string          `json:"agent_id"`
	ProjectID        *string         `json:"project_id,omitempty"`
	ActionType       string          `json:"action_type"`
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	Status           ProposalStatus  `json:"status" enum:"pending,approved,rejected,expired,auto"`
	RequiresApproval bool            `json:"requires_approval"`
	Urgency          Urgency         `json:"urgency" enum:"low,normal,high,critical"`
	CreatedAt        string          `json:"created_at" format:"date-time"`
	DecidedAt        *string         `json:"decided_at,omitempty" format:"date-time"`
	DecidedBy        *string         `json:"decided_by,omitempty"`
	ExpiresAt        *string         `json:"expires_at,omitempty" format:"date-time"`
	Votes            []ProposalVote  `json:"votes,omitempty"`
}

type ProposalVote struct {
	ProposalID string `json:"proposal_id"`
	AgentID    string `json:"agent_id"`
	Vote       Vote   `json:"vote" enum:"approve,reject,abstain"`
	Reason     string `json:"reason,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Strictness string

const (
	StrictnessNone     Strictness = "none"
	StrictnessAdvisory Strictness = "advisory"
	StrictnessRequired Strictness = "required"
	StrictnessBlocking Strictness = "blocking"
)

func (s Strictness) Valid() bool {
	switch s {
	case StrictnessNone, StrictnessAdvisory, StrictnessRequired, StrictnessBlocking:
		return true
	}
	return false
}

type SignoffStatus string

const (
	SignoffPending  SignoffStatus = "pending"
	SignoffApproved SignoffStatus = "approved"
	SignoffRejected SignoffStatus = "rejected"
	SignoffExpired  SignoffStatus = "expired"
)

type Signoff struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	ChangeType     string          `json:"change_type"`
	ChangeID       *string         `json:"change_id,omitempty"`
	Phase          *string         `json:"phase,omitempty"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	RequiredAgents []string        `json:"required_agents"`
	Votes          map[string]Vote `json:"votes"`
	Status         SignoffStatus   `json:"status" enum:"pending,approved,rejected,expired"`
	Strictness     Strictness      `json:"strictness" enum:"none,advisory,required,blocking"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	ResolvedAt     *string         `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy     *string         `json:"resolved_by,omitempty"`
	ExpiresAt      *string         `json:"expires_at,omitempty" format:"date-time"`
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

type CouncilSession struct {
	ID        string          `json:"id"`
	ProjectID *string         `json:"project_id,omitempty"`
	Status    SessionStatus   `json:"status" enum:"active,paused,completed"`
	StartedAt string          `json:"started_at" format:"date-time"`
	EndedAt   *string         `json:"ended_at,omitempty" format:"date-time"`
	Summary   string          `json:"summary,omitempty"`
	Stats     json.RawMessage `json:"stats,omitempty"`
}

type LogEventType string

const (
	LogInfo     LogEventType = "info"
	LogWarn     LogEventType = "warn"
	LogError    LogEventType = "error"
	LogTask     LogEventType = "task"
	LogProposal LogEventType = "proposal"
	LogSignoff  LogEventType = "signoff"
	LogSession  LogEventType = "session"
)

type AgentLogEntry struct {
	ID        int64           `json:"id"`
	AgentID   string          `json:"agent_id"`
	EventType LogEventType    `json:"event_type"`
	ProjectID *string         `json:"project_id,omitempty"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

// ProjectCouncilConfig is the per-project council policy.
type ProjectCouncilConfig struct {
	ProjectID         string                `json:"project_id" yaml:"project_id,omitempty"`
	DefaultStrictness Strictness            `json:"default_strictness" yaml:"default_strictness"`
	EnabledAgents     []string              `json:"enabled_agents,omitempty" yaml:"enabled_agents,omitempty"`
	PhaseStrictness   map[string]Strictness `json:"phase_strictness,omitempty" yaml:"phase_strictness,omitempty"`
	AutoApprove       map[string]bool       `json:"auto_approve,omitempty" yaml:"auto_approve,omitempty"`
	ProposalQuorum    int                   `json:"proposal_quorum,omitempty" yaml:"proposal_quorum,omitempty"`
}

// StrictnessFor returns the phase override when present, else the default.
func (c ProjectCouncilConfig) StrictnessFor(phase string) Strictness {
	if phase != "" {
		if s, ok := c.PhaseStrictness[phase]; ok {
			return s
		}
	}
	if c.DefaultStrictness == "" {
		return StrictnessRequired
	}
	return c.DefaultStrictness
}

// AgentEnabled reports whether agentID takes part in the project's council.
// An empty roster enables every agent.
func (c ProjectCouncilConfig) AgentEnabled(agentID string) bool {
	if len(c.EnabledAgents) == 0 {
		return true
	}
	for _, id := range c.EnabledAgents {
		if id == agentID {
			return true
		}
	}
	return false
}

type CouncilStats struct {
	Agents           map[AgentStatus]int `json:"agents"`
	Tasks            map[TaskStatus]int  `json:"tasks"`
	PendingProposals int                 `json:"pending_proposals"`
	PendingSignoffs  int                 `json:"pending_signoffs"`
	ActiveSessions   int                 `json:"active_sessions"`
	LogEntries       int                 `json:"log_entries"`
}

// CouncilEvent is emitted to OnEvent listeners.
type CouncilEvent struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"project_id,omitempty"`
	EntityID  string          `json:"entity_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	At        string          `json:"at" format:"date-time"`
}

const (
	EventSessionStarted = "session:started"
	EventSessionEnded   = "session:ended"
	EventSessionPaused  = "session:paused"
	EventSessionResumed = "session:resumed"

	EventTaskAssigned  = "task:assigned"
	EventTaskStarted   = "task:started"
	EventTaskCompleted = "task:completed"
	EventTaskFailed    = "task:failed"
	EventTaskRetrying  = "task:retrying"
	EventTaskCancelled = "task:cancelled"
	EventTaskReleased  = "task:released"

	EventProposalCreated  = "proposal:created"
	EventProposalApproved = "proposal:approved"
	EventProposalRejected = "proposal:rejected"
	EventProposalExpired  = "proposal:expired"
	EventProposalVoted    = "proposal:voted"

	EventSignoffRequested = "signoff:requested"
	EventSignoffVoted     = "signoff:voted"
	EventSignoffApproved  = "signoff:approved"
	EventSignoffRejected  = "signoff:rejected"
	EventSignoffExpired   = "signoff:expired"

	EventAgentRegistered   = "agent:registered"
	EventAgentUnregistered = "agent:unregistered"
	EventAgentError        = "agent:error"
)

// CouncilAgentID is the author of audit rows written by the council itself.
const CouncilAgentID = "council"

// APIKey authenticates operators and remote agents against the HTTP facade.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
