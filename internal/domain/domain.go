package domain

// Mission statuses.
const (
	MissionPosted      = "posted"
	MissionBiddingOpen = "bidding_open"
	MissionAssigned    = "assigned"
	MissionExecuting   = "executing"
	MissionVerifying   = "verifying"
	MissionSettled     = "settled"
	MissionFailed      = "failed"
)

// Assignment modes, fixed at creation.
const (
	ModeAutopilot  = "autopilot"
	ModeBidding    = "bidding"
	ModeCrew       = "crew"
	ModeDirectHire = "direct_hire"
)

type Mission struct {
	ID              string   `json:"id"`
	RequesterID     string   `json:"requester_id"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Reward          int64    `json:"reward"`
	Specialties     []string `json:"specialties"`
	Requirements    []string `json:"requirements,omitempty"`
	Deliverables    []string `json:"deliverables,omitempty"`
	DeadlineAt      *string  `json:"deadline_at,omitempty" format:"date-time"`
	TimeoutMinutes  *int     `json:"timeout_minutes,omitempty"`
	Status          string   `json:"status" enum:"posted,bidding_open,assigned,executing,verifying,settled,failed"`
	AssignmentMode  string   `json:"assignment_mode" enum:"autopilot,bidding,crew,direct_hire"`
	AssignedAgentID *string  `json:"assigned_agent_id,omitempty"`
	AssignedMethod  *string  `json:"assigned_method,omitempty"`
	AcceptedBidID   *string  `json:"accepted_bid_id,omitempty"`
	EscrowID        *string  `json:"escrow_id,omitempty"`
	BiddingEndsAt   *string  `json:"bidding_ends_at,omitempty" format:"date-time"`
	BiddingClosedAt *string  `json:"bidding_closed_at,omitempty" format:"date-time"`
	Submission      *string  `json:"submission,omitempty"`
	ArtifactsJSON   *string  `json:"artifacts_json,omitempty"`
	SubmittedAt     *string  `json:"submitted_at,omitempty" format:"date-time"`
	FailureReason   *string  `json:"failure_reason,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
	AssignedAt      *string  `json:"assigned_at,omitempty" format:"date-time"`
	StartedAt       *string  `json:"started_at,omitempty" format:"date-time"`
	SettledAt       *string  `json:"settled_at,omitempty" format:"date-time"`
}

// Bid is immutable once accepted into a mission's bid list.
type Bid struct {
	ID          string `json:"id"`
	MissionID   string `json:"mission_id"`
	AgentID     string `json:"agent_id"`
	Price       int64  `json:"price"`
	ETAMinutes  int    `json:"eta_minutes"`
	BondOffered int64  `json:"bond_offered"`
	Message     string `json:"message,omitempty"`
	SubmittedAt string `json:"submitted_at" format:"date-time"`
}

type Agent struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	Role          string   `json:"role" enum:"worker,verifier,requester,admin"`
	Specialties   []string `json:"specialties,omitempty"`
	HourlyRate    int64    `json:"hourly_rate"`
	Reputation    int      `json:"reputation"`
	Available     bool     `json:"available"`
	Suspended     bool     `json:"suspended"`
	MaxConcurrent int      `json:"max_concurrent"`
	LastActiveAt  string   `json:"last_active_at,omitempty" format:"date-time"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

// Bond statuses and roles.
const (
	BondStaked   = "staked"
	BondReleased = "released"
	BondSlashed  = "slashed"

	BondRoleWorker   = "worker"
	BondRoleVerifier = "verifier"
)

type BondRecord struct {
	ID          string  `json:"id"`
	MissionID   string  `json:"mission_id"`
	AgentID     string  `json:"agent_id"`
	Role        string  `json:"role" enum:"worker,verifier"`
	Amount      int64   `json:"amount"`
	Status      string  `json:"status" enum:"staked,released,slashed"`
	SlashAmount *int64  `json:"slash_amount,omitempty"`
	SlashReason *string `json:"slash_reason,omitempty"`
	StakedAt    string  `json:"staked_at" format:"date-time"`
	ResolvedAt  *string `json:"resolved_at,omitempty" format:"date-time"`
}

// Escrow statuses.
const (
	EscrowLocked   = "locked"
	EscrowReleased = "released"
	EscrowSlashed  = "slashed"
)

type EscrowDetails struct {
	ID             string  `json:"id"`
	MissionID      string  `json:"mission_id"`
	OwnerID        string  `json:"owner_id"`
	Amount         int64   `json:"amount"`
	Status         string  `json:"status" enum:"locked,released,slashed"`
	ReleaseTo      *string `json:"release_to,omitempty"`
	SlashedAmount  int64   `json:"slashed_amount"`
	RefundedAmount int64   `json:"refunded_amount"`
	LockedAt       string  `json:"locked_at" format:"date-time"`
	ResolvedAt     *string `json:"resolved_at,omitempty" format:"date-time"`
}

// Vote values.
const (
	VoteApprove = "approve"
	VoteReject  = "reject"
)

type VerifierVote struct {
	ID         string `json:"id"`
	MissionID  string `json:"mission_id"`
	VerifierID string `json:"verifier_id"`
	Vote       string `json:"vote" enum:"approve,reject"`
	Comment    string `json:"comment,omitempty"`
	CastAt     string `json:"cast_at" format:"date-time"`
}

// Settlement outcomes.
const (
	OutcomePass = "pass"
	OutcomeFail = "fail"
)

// Settlement is the distribution receipt for a settled mission.
type Settlement struct {
	ID              string `json:"id"`
	MissionID       string `json:"mission_id"`
	Outcome         string `json:"outcome" enum:"pass,fail"`
	WorkerPayout    int64  `json:"worker_payout"`
	ProtocolFee     int64  `json:"protocol_fee"`
	Refund          int64  `json:"refund"`
	SlashedBond     int64  `json:"slashed_bond"`
	TreasuryShare   int64  `json:"treasury_share"`
	VerifierShare   int64  `json:"verifier_share"`
	BondsReleased   int    `json:"bonds_released"`
	BondsSlashed    int    `json:"bonds_slashed"`
	ReputationDelta int    `json:"reputation_delta"`
	SettledAt       string `json:"settled_at" format:"date-time"`
}

// AssignmentRecord is one entry in an agent's bounded win history.
type AssignmentRecord struct {
	ID        int64  `json:"id"`
	AgentID   string `json:"agent_id"`
	MissionID string `json:"mission_id"`
	Method    string `json:"method"`
	WonAt     string `json:"won_at" format:"date-time"`
}

// AssignmentScore is derived per assignment attempt and never persisted;
// it is recorded in the decision event payload for auditability.
type AssignmentScore struct {
	AgentID      string  `json:"agent_id"`
	Reputation   float64 `json:"reputation"`
	BondCapacity float64 `json:"bond_capacity"`
	Rate         float64 `json:"rate"`
	Recency      float64 `json:"recency"`
	Base         float64 `json:"base"`
	RecentWins   int     `json:"recent_wins"`
	Damping      float64 `json:"damping"`
	Final        float64 `json:"final"`
	Rank         int     `json:"rank"`
}

// Dispatch task statuses.
const (
	DispatchQueued = "queued"
	DispatchAcked  = "acked"
)

type DispatchTask struct {
	ID          string  `json:"id"`
	AgentID     string  `json:"agent_id"`
	Type        string  `json:"type"`
	Priority    int     `json:"priority"`
	PayloadJSON string  `json:"payload_json,omitempty"`
	Status      string  `json:"status" enum:"queued,acked"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	AckedAt     *string `json:"acked_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	MissionID  string `json:"mission_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
