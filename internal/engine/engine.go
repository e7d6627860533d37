package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/engine/auth"
	"missionline/internal/events"
	"missionline/internal/ledger"
	"missionline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Ledger ledger.Ledger
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time

	locks  *missionLocks
	timers *biddingTimers
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Ledger: ledger.Ledger{},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  newMissionLocks(),
		timers: newBiddingTimers(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) treasury() string {
	return e.Config.Settlement.TreasuryAccount
}

// ensureMissionTransition is the single gate for status changes.
func ensureMissionTransition(oldStatus, newStatus string) error {
	allowed := map[string][]string{
		domain.MissionPosted:      {domain.MissionBiddingOpen, domain.MissionAssigned, domain.MissionFailed},
		domain.MissionBiddingOpen: {domain.MissionAssigned, domain.MissionFailed},
		domain.MissionAssigned:    {domain.MissionExecuting, domain.MissionFailed},
		domain.MissionExecuting:   {domain.MissionVerifying, domain.MissionFailed},
		domain.MissionVerifying:   {domain.MissionSettled, domain.MissionFailed},
	}
	for _, s := range allowed[oldStatus] {
		if s == newStatus {
			return nil
		}
	}
	return coded(CodeInvalidStatus, "cannot transition mission from %s to %s", oldStatus, newStatus)
}

// verifyMissionStatus re-reads the committed row and compares. A mismatch
// means the store no longer reflects the write that just committed, which
// nothing downstream can recover from.
func (e Engine) verifyMissionStatus(ctx context.Context, missionID, want string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return m, fmt.Errorf("%w: readback of mission %s: %v", ErrIntegrity, missionID, err)
	}
	if m.Status != want {
		return m, fmt.Errorf("%w: mission %s persisted as %s, expected %s", ErrIntegrity, missionID, m.Status, want)
	}
	return m, nil
}

// MissionCreateOptions are parameters for posting a mission.
type MissionCreateOptions struct {
	ID             string
	RequesterID    string
	Title          string
	Description    string
	Reward         int64
	Specialties    []string
	Requirements   []string
	Deliverables   []string
	DeadlineAt     string
	TimeoutMinutes int
	Mode           string // empty picks by reward threshold
	HireAgentID    string // direct_hire only
	ActorID        string
}

// CreateMission validates, locks escrow, and routes allocation in one
// transaction. Autopilot missions come back assigned or failed; bidding
// missions come back with an open window and an armed close timer.
func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions) (domain.Mission, error) {
	if e.Config == nil {
		return domain.Mission{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.Mission{}, coded(CodeInvalidInput, "title is required")
	}
	if opts.Reward <= 0 {
		return domain.Mission{}, coded(CodeInvalidInput, "reward must be positive, got %d", opts.Reward)
	}
	if opts.RequesterID == "" {
		return domain.Mission{}, coded(CodeInvalidInput, "requester is required")
	}
	if len(opts.Specialties) == 0 {
		return domain.Mission{}, coded(CodeInvalidInput, "at least one specialty is required")
	}
	mode := opts.Mode
	switch mode {
	case "":
		if opts.Reward > e.Config.Bidding.Threshold {
			mode = domain.ModeBidding
		} else {
			mode = domain.ModeAutopilot
		}
	case domain.ModeAutopilot, domain.ModeBidding, domain.ModeDirectHire:
	default:
		return domain.Mission{}, coded(CodeInvalidInput, "unknown assignment mode %q", mode)
	}
	if mode == domain.ModeDirectHire && opts.HireAgentID == "" {
		return domain.Mission{}, coded(CodeInvalidInput, "direct hire requires an agent")
	}
	if _, err := e.Repo.GetAgent(ctx, opts.RequesterID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Mission{}, coded(CodeAgentNotFound, "requester %s is not registered", opts.RequesterID)
		}
		return domain.Mission{}, err
	}

	now := e.nowRFC()
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.RequesterID+"|"+opts.Title+"|"+now)).String()
	}
	m := domain.Mission{
		ID:             id,
		RequesterID:    opts.RequesterID,
		Title:          opts.Title,
		Description:    opts.Description,
		Reward:         opts.Reward,
		Specialties:    opts.Specialties,
		Requirements:   opts.Requirements,
		Deliverables:   opts.Deliverables,
		Status:         domain.MissionPosted,
		AssignmentMode: mode,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if opts.DeadlineAt != "" {
		m.DeadlineAt = &opts.DeadlineAt
	}
	if opts.TimeoutMinutes > 0 {
		m.TimeoutMinutes = &opts.TimeoutMinutes
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
		return domain.Mission{}, fmt.Errorf("insert mission: %w", err)
	}
	esc, err := e.lockEscrow(ctx, tx, m)
	if err != nil {
		return domain.Mission{}, err
	}
	m.EscrowID = &esc.ID
	if err := e.Events.Append(ctx, tx, "mission.posted", m.ID, "mission", m.ID, opts.ActorID, events.EventPayload{
		"reward": m.Reward, "mode": mode, "escrow_id": esc.ID,
	}); err != nil {
		return domain.Mission{}, err
	}

	var wantStatus string
	switch mode {
	case domain.ModeBidding:
		endsAt := e.now().UTC().Add(time.Duration(e.Config.Bidding.WindowSeconds) * time.Second).Format(time.RFC3339)
		if err := e.Repo.UpdateMission(ctx, tx, m.ID, repo.MissionUpdate{
			Status:        domain.MissionBiddingOpen,
			EscrowID:      &esc.ID,
			BiddingEndsAt: &endsAt,
			UpdatedAt:     now,
		}); err != nil {
			return domain.Mission{}, err
		}
		if err := e.Events.Append(ctx, tx, "bidding.opened", m.ID, "mission", m.ID, opts.ActorID, events.EventPayload{"ends_at": endsAt}); err != nil {
			return domain.Mission{}, err
		}
		wantStatus = domain.MissionBiddingOpen
	case domain.ModeAutopilot:
		wantStatus, err = e.runAutopilot(ctx, tx, &m, opts.ActorID)
		if err != nil {
			return domain.Mission{}, err
		}
	case domain.ModeDirectHire:
		wantStatus, err = e.directHire(ctx, tx, &m, opts.HireAgentID, opts.ActorID)
		if err != nil {
			return domain.Mission{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	committed, err := e.verifyMissionStatus(ctx, m.ID, wantStatus)
	if err != nil {
		return domain.Mission{}, err
	}
	if committed.Status == domain.MissionBiddingOpen {
		e.scheduleBiddingClose(committed.ID, time.Duration(e.Config.Bidding.WindowSeconds)*time.Second)
	}
	return committed, nil
}

// directHire assigns the named agent without scoring. The agent still has to
// pass the hard eligibility filters.
func (e Engine) directHire(ctx context.Context, tx *sql.Tx, m *domain.Mission, agentID, actorID string) (string, error) {
	agent, err := e.Repo.GetAgentTx(ctx, tx, agentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", coded(CodeAgentNotFound, "agent %s is not registered", agentID)
		}
		return "", err
	}
	if reason := e.ineligibleReason(ctx, tx, agent, *m, true); reason != "" {
		return "", coded(CodeNoEligibleAgents, "agent %s is not eligible: %s", agentID, reason)
	}
	return e.assignWinner(ctx, tx, m, agentID, "direct_hire", nil, actorID)
}

// assignWinner performs the shared posted/bidding_open -> assigned transition:
// mission row, win history, dispatch notification, decision event.
func (e Engine) assignWinner(ctx context.Context, tx *sql.Tx, m *domain.Mission, agentID, method string, scores []domain.AssignmentScore, actorID string) (string, error) {
	if err := ensureMissionTransition(m.Status, domain.MissionAssigned); err != nil {
		return "", err
	}
	now := e.nowRFC()
	if err := e.Repo.UpdateMission(ctx, tx, m.ID, repo.MissionUpdate{
		Status:          domain.MissionAssigned,
		AssignedAgentID: &agentID,
		AssignedMethod:  &method,
		AssignedAt:      &now,
		UpdatedAt:       now,
	}); err != nil {
		return "", err
	}
	if err := e.Repo.AppendAssignment(ctx, tx, domain.AssignmentRecord{
		AgentID:   agentID,
		MissionID: m.ID,
		Method:    method,
		WonAt:     now,
	}, e.Config.Assignment.HistoryWindow); err != nil {
		return "", err
	}
	payload, _ := json.Marshal(map[string]any{"mission_id": m.ID, "reward": m.Reward, "method": method})
	if err := e.Repo.EnqueueDispatch(ctx, tx, domain.DispatchTask{
		ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte("dispatch|"+m.ID+"|"+agentID)).String(),
		AgentID:     agentID,
		Type:        "mission.assigned",
		Priority:    1,
		PayloadJSON: string(payload),
		Status:      domain.DispatchQueued,
		CreatedAt:   now,
	}); err != nil {
		return "", err
	}
	evt := events.EventPayload{"agent_id": agentID, "method": method}
	if scores != nil {
		evt["scores"] = scores
	}
	if err := e.Events.Append(ctx, tx, "mission.assigned", m.ID, "mission", agentID, actorID, evt); err != nil {
		return "", err
	}
	m.Status = domain.MissionAssigned
	m.AssignedAgentID = &agentID
	return domain.MissionAssigned, nil
}

// failMission marks the mission failed and refunds the escrow in full. The
// detail payload rides on the mission.failed event for auditing (candidate
// scores, filter outcomes).
func (e Engine) failMission(ctx context.Context, tx *sql.Tx, m *domain.Mission, reason, actorID string, detail events.EventPayload) (string, error) {
	now := e.nowRFC()
	if err := e.Repo.UpdateMission(ctx, tx, m.ID, repo.MissionUpdate{
		Status:        domain.MissionFailed,
		FailureReason: &reason,
		UpdatedAt:     now,
	}); err != nil {
		return "", err
	}
	esc, err := e.Repo.GetEscrowByMission(ctx, tx, m.ID)
	if err == nil && esc.Status == domain.EscrowLocked {
		if err := e.refundEscrow(ctx, tx, esc); err != nil {
			return "", err
		}
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	payload := events.EventPayload{"reason": reason}
	for k, v := range detail {
		payload[k] = v
	}
	if err := e.Events.Append(ctx, tx, "mission.failed", m.ID, "mission", m.ID, actorID, payload); err != nil {
		return "", err
	}
	m.Status = domain.MissionFailed
	return domain.MissionFailed, nil
}

// StartMission moves an assigned mission into execution. The worker bond is
// staked first in the same transaction, so a refused transition also rolls
// the stake back.
func (e Engine) StartMission(ctx context.Context, missionID, agentID string) (domain.Mission, error) {
	unlock := e.locks.lock(missionID)
	defer unlock()

	m, err := e.getMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.MissionAssigned {
		if m.Status == domain.MissionBiddingOpen {
			return domain.Mission{}, coded(CodeBiddingInProgress, "mission %s is still collecting bids", missionID)
		}
		return domain.Mission{}, coded(CodeInvalidStatus, "mission %s is %s, not assigned", missionID, m.Status)
	}
	if m.AssignedAgentID == nil || *m.AssignedAgentID != agentID {
		return domain.Mission{}, coded(CodeWorkerNotAssigned, "agent %s is not assigned to mission %s", agentID, missionID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	bondAmount := e.workerBondAmount(m)
	if _, err := e.stakeBond(ctx, tx, m.ID, agentID, domain.BondRoleWorker, bondAmount); err != nil {
		return domain.Mission{}, err
	}
	if err := ensureMissionTransition(m.Status, domain.MissionExecuting); err != nil {
		return domain.Mission{}, err
	}
	now := e.nowRFC()
	if err := e.Repo.UpdateMission(ctx, tx, m.ID, repo.MissionUpdate{
		Status:    domain.MissionExecuting,
		StartedAt: &now,
		UpdatedAt: now,
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := e.Events.Append(ctx, tx, "mission.started", m.ID, "mission", agentID, agentID, events.EventPayload{"bond": bondAmount}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return e.verifyMissionStatus(ctx, m.ID, domain.MissionExecuting)
}

// SubmitWork attaches the deliverable and opens verification.
func (e Engine) SubmitWork(ctx context.Context, missionID, agentID, submission, artifactsJSON string) (domain.Mission, error) {
	unlock := e.locks.lock(missionID)
	defer unlock()

	if submission == "" {
		return domain.Mission{}, coded(CodeInvalidInput, "submission content is required")
	}
	m, err := e.getMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.MissionExecuting {
		return domain.Mission{}, coded(CodeInvalidStatus, "mission %s is %s, not executing", missionID, m.Status)
	}
	if m.AssignedAgentID == nil || *m.AssignedAgentID != agentID {
		return domain.Mission{}, coded(CodeWorkerNotAssigned, "agent %s is not assigned to mission %s", agentID, missionID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC()
	update := repo.MissionUpdate{
		Status:      domain.MissionVerifying,
		Submission:  &submission,
		SubmittedAt: &now,
		UpdatedAt:   now,
	}
	if artifactsJSON != "" {
		if !json.Valid([]byte(artifactsJSON)) {
			return domain.Mission{}, coded(CodeInvalidInput, "artifacts must be valid JSON")
		}
		update.ArtifactsJSON = &artifactsJSON
	}
	if err := e.Repo.UpdateMission(ctx, tx, m.ID, update); err != nil {
		return domain.Mission{}, err
	}
	if err := e.Events.Append(ctx, tx, "work.submitted", m.ID, "mission", agentID, agentID, events.EventPayload{}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return e.verifyMissionStatus(ctx, m.ID, domain.MissionVerifying)
}

// CastVote records one verifier's approve/reject on a mission in verification.
// The verifier must have a staked bond for the mission.
func (e Engine) CastVote(ctx context.Context, missionID, verifierID, vote, comment string) (domain.VerifierVote, error) {
	unlock := e.locks.lock(missionID)
	defer unlock()

	if vote != domain.VoteApprove && vote != domain.VoteReject {
		return domain.VerifierVote{}, coded(CodeInvalidInput, "vote must be approve or reject, got %q", vote)
	}
	m, err := e.getMission(ctx, missionID)
	if err != nil {
		return domain.VerifierVote{}, err
	}
	if m.Status != domain.MissionVerifying {
		return domain.VerifierVote{}, coded(CodeInvalidStatus, "mission %s is %s, not verifying", missionID, m.Status)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VerifierVote{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetBondByRole(ctx, tx, missionID, verifierID, domain.BondRoleVerifier); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.VerifierVote{}, coded(CodeBondTooLow, "verifier %s has no staked bond on mission %s", verifierID, missionID)
		}
		return domain.VerifierVote{}, err
	}
	now := e.nowRFC()
	v := domain.VerifierVote{
		ID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte("vote|"+missionID+"|"+verifierID)).String(),
		MissionID:  missionID,
		VerifierID: verifierID,
		Vote:       vote,
		Comment:    comment,
		CastAt:     now,
	}
	if err := e.Repo.InsertVote(ctx, tx, v); err != nil {
		return domain.VerifierVote{}, fmt.Errorf("insert vote (one per verifier): %w", err)
	}
	if err := e.Events.Append(ctx, tx, "vote.cast", missionID, "vote", v.ID, verifierID, events.EventPayload{"vote": vote}); err != nil {
		return domain.VerifierVote{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VerifierVote{}, err
	}
	return v, nil
}

// UpdateReputation is the single authoritative path for reputation changes,
// clamped to [0,100], with the same commit-then-readback discipline as
// mission transitions.
func (e Engine) UpdateReputation(ctx context.Context, tx *sql.Tx, agentID string, delta int) (int, error) {
	agent, err := e.Repo.GetAgentTx(ctx, tx, agentID)
	if err != nil {
		return 0, err
	}
	next := agent.Reputation + delta
	if next > 100 {
		next = 100
	}
	if next < 0 {
		next = 0
	}
	if err := e.Repo.UpdateAgent(ctx, tx, agentID, repo.AgentUpdate{
		Reputation: &next,
		UpdatedAt:  e.nowRFC(),
	}); err != nil {
		return 0, err
	}
	readback, err := e.Repo.GetAgentTx(ctx, tx, agentID)
	if err != nil {
		return 0, fmt.Errorf("%w: readback of agent %s: %v", ErrIntegrity, agentID, err)
	}
	if readback.Reputation != next {
		return 0, fmt.Errorf("%w: agent %s reputation persisted as %d, expected %d", ErrIntegrity, agentID, readback.Reputation, next)
	}
	return next, nil
}

// GetMission reads one mission, with a coded not-found error.
func (e Engine) GetMission(ctx context.Context, missionID string) (domain.Mission, error) {
	return e.getMission(ctx, missionID)
}

func (e Engine) getMission(ctx context.Context, missionID string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if errors.Is(err, repo.ErrNotFound) {
		return m, coded(CodeMissionNotFound, "mission %s not found", missionID)
	}
	return m, err
}
