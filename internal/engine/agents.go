package engine

import (
	"context"
	"errors"
	"fmt"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
)

// AgentRegisterOptions are parameters for joining the marketplace.
type AgentRegisterOptions struct {
	ID            string
	Name          string
	Role          string
	Specialties   []string
	HourlyRate    int64
	MaxConcurrent int
	ActorID       string
}

func (e Engine) RegisterAgent(ctx context.Context, opts AgentRegisterOptions) (domain.Agent, error) {
	if opts.ID == "" {
		return domain.Agent{}, coded(CodeInvalidInput, "agent id is required")
	}
	if opts.Role == "" {
		opts.Role = "worker"
	}
	switch opts.Role {
	case "worker", "verifier", "requester", "admin":
	default:
		return domain.Agent{}, coded(CodeInvalidInput, "unknown role %q", opts.Role)
	}
	if opts.HourlyRate < 0 {
		return domain.Agent{}, coded(CodeInvalidInput, "hourly rate must not be negative")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = e.Config.Assignment.MaxConcurrent
	}
	now := e.nowRFC()
	a := domain.Agent{
		ID:            opts.ID,
		Name:          opts.Name,
		Role:          opts.Role,
		Specialties:   opts.Specialties,
		HourlyRate:    opts.HourlyRate,
		Reputation:    50,
		Available:     true,
		MaxConcurrent: opts.MaxConcurrent,
		LastActiveAt:  now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "agent.registered", "", "agent", a.ID, opts.ActorID, events.EventPayload{"role": a.Role}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// UpdateAgentProfile applies a partial update and reports the new state.
func (e Engine) UpdateAgentProfile(ctx context.Context, agentID string, u repo.AgentUpdate, actorID string) (domain.Agent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	u.UpdatedAt = e.nowRFC()
	if err := e.Repo.UpdateAgent(ctx, tx, agentID, u); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Agent{}, coded(CodeAgentNotFound, "agent %s is not registered", agentID)
		}
		return domain.Agent{}, err
	}
	if err := e.Events.Append(ctx, tx, "agent.updated", "", "agent", agentID, actorID, events.EventPayload{}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return e.Repo.GetAgent(ctx, agentID)
}

// TouchAgent refreshes the activity timestamp the recency score reads.
func (e Engine) TouchAgent(ctx context.Context, agentID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.nowRFC()
	if err := e.Repo.UpdateAgent(ctx, tx, agentID, repo.AgentUpdate{LastActiveAt: &now, UpdatedAt: now}); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearAgentHistory wipes the win window. Administrative command; the damping
// for this agent resets to 1.
func (e Engine) ClearAgentHistory(ctx context.Context, agentID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.ClearAssignments(ctx, tx, agentID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "agent.history_cleared", "", "agent", agentID, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// MintFunds credits freshly issued credits to an agent and returns the new
// available balance. Seed and operator flows only.
func (e Engine) MintFunds(ctx context.Context, agentID string, amount int64, actorID string) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := e.Ledger.Mint(ctx, tx, agentID, amount); err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, "ledger.minted", "", "ledger", agentID, actorID, events.EventPayload{"amount": amount}); err != nil {
		return 0, err
	}
	available, err := e.Ledger.Available(ctx, tx, agentID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return available, nil
}

// AvailableBalance reads balance minus live reservations.
func (e Engine) AvailableBalance(ctx context.Context, agentID string) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	available, err := e.Ledger.Available(ctx, tx, agentID)
	if err != nil {
		return 0, err
	}
	return available, tx.Commit()
}

// AckDispatch marks a queued notification as consumed by its agent.
func (e Engine) AckDispatch(ctx context.Context, taskID, agentID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetDispatch(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return coded(CodeInvalidInput, "dispatch task %s not found", taskID)
		}
		return err
	}
	if t.AgentID != agentID {
		return coded(CodeForbidden, "dispatch task %s does not belong to agent %s", taskID, agentID)
	}
	if err := e.Repo.AckDispatch(ctx, tx, taskID, e.nowRFC()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return coded(CodeInvalidStatus, "dispatch task %s is not queued", taskID)
		}
		return err
	}
	return tx.Commit()
}
