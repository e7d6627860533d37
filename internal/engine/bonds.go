package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/ledger"
	"missionline/internal/repo"
)

// workerBondAmount derives the stake a worker puts up to start a mission.
func (e Engine) workerBondAmount(m domain.Mission) int64 {
	amt := int64(math.Floor(float64(m.Reward) * e.Config.Bonds.WorkerPct))
	if amt < e.Config.Bonds.Minimum {
		amt = e.Config.Bonds.Minimum
	}
	return amt
}

func (e Engine) verifierBondAmount(m domain.Mission) int64 {
	amt := int64(math.Floor(float64(m.Reward) * e.Config.Bonds.VerifierPct))
	if amt < e.Config.Bonds.Minimum {
		amt = e.Config.Bonds.Minimum
	}
	return amt
}

// stakeBond locks the agent's own funds under the bond id and records the
// bond. One bond per (mission, agent, role).
func (e Engine) stakeBond(ctx context.Context, tx *sql.Tx, missionID, agentID, role string, amount int64) (domain.BondRecord, error) {
	if amount < e.Config.Bonds.Minimum {
		return domain.BondRecord{}, coded(CodeBondTooLow, "bond %d below minimum %d", amount, e.Config.Bonds.Minimum)
	}
	if _, err := e.Repo.GetBondByRole(ctx, tx, missionID, agentID, role); err == nil {
		return domain.BondRecord{}, coded(CodeDuplicateBond, "agent %s already staked a %s bond on mission %s", agentID, role, missionID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.BondRecord{}, err
	}
	b := domain.BondRecord{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte("bond|"+missionID+"|"+agentID+"|"+role)).String(),
		MissionID: missionID,
		AgentID:   agentID,
		Role:      role,
		Amount:    amount,
		Status:    domain.BondStaked,
		StakedAt:  e.nowRFC(),
	}
	if err := e.Ledger.LockFunds(ctx, tx, b.ID, agentID, amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return domain.BondRecord{}, coded(CodeInsufficientBalance, "agent %s cannot cover bond %d", agentID, amount)
		}
		return domain.BondRecord{}, err
	}
	if err := e.Repo.InsertBond(ctx, tx, b); err != nil {
		return domain.BondRecord{}, fmt.Errorf("insert bond: %w", err)
	}
	return b, nil
}

// StakeVerifierBond registers a verifier for a mission's verification round.
// Allowed any time between assignment and settlement.
func (e Engine) StakeVerifierBond(ctx context.Context, missionID, verifierID string) (domain.BondRecord, error) {
	unlock := e.locks.lock(missionID)
	defer unlock()

	m, err := e.getMission(ctx, missionID)
	if err != nil {
		return domain.BondRecord{}, err
	}
	switch m.Status {
	case domain.MissionAssigned, domain.MissionExecuting, domain.MissionVerifying:
	default:
		return domain.BondRecord{}, coded(CodeInvalidStatus, "mission %s is %s, verification is not open", missionID, m.Status)
	}
	agent, err := e.Repo.GetAgent(ctx, verifierID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.BondRecord{}, coded(CodeAgentNotFound, "agent %s is not registered", verifierID)
		}
		return domain.BondRecord{}, err
	}
	if m.AssignedAgentID != nil && *m.AssignedAgentID == agent.ID {
		return domain.BondRecord{}, coded(CodeInvalidInput, "the assigned worker cannot verify its own mission")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BondRecord{}, err
	}
	defer tx.Rollback()

	b, err := e.stakeBond(ctx, tx, missionID, agent.ID, domain.BondRoleVerifier, e.verifierBondAmount(m))
	if err != nil {
		return domain.BondRecord{}, err
	}
	if err := e.Events.Append(ctx, tx, "bond.staked", missionID, "bond", b.ID, agent.ID, events.EventPayload{
		"role": b.Role, "amount": b.Amount,
	}); err != nil {
		return domain.BondRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BondRecord{}, err
	}
	return b, nil
}

// releaseBond lifts the reservation back to the agent. staked -> released,
// exactly once.
func (e Engine) releaseBond(ctx context.Context, tx *sql.Tx, b domain.BondRecord) error {
	if _, err := e.Ledger.ReleaseLock(ctx, tx, b.ID, b.AgentID); err != nil {
		return err
	}
	return e.Repo.ResolveBond(ctx, tx, b.ID, domain.BondReleased, nil, nil, e.nowRFC())
}

// slashBond takes rate of the bond into the treasury and releases the rest
// back to the agent. Returns the slashed amount.
func (e Engine) slashBond(ctx context.Context, tx *sql.Tx, b domain.BondRecord, rate float64, reason string) (int64, error) {
	if rate < 0 || rate > 1 {
		return 0, fmt.Errorf("slash rate %v out of range", rate)
	}
	amt := int64(math.Floor(float64(b.Amount) * rate))
	if amt > 0 {
		if err := e.Ledger.SlashLock(ctx, tx, b.ID, e.treasury(), amt); err != nil {
			return 0, err
		}
	}
	if amt < b.Amount {
		if _, err := e.Ledger.ReleaseLock(ctx, tx, b.ID, b.AgentID); err != nil {
			return 0, err
		}
	}
	if err := e.Repo.ResolveBond(ctx, tx, b.ID, domain.BondSlashed, &amt, &reason, e.nowRFC()); err != nil {
		return 0, err
	}
	return amt, nil
}

// settleVerifierBonds releases honest bonds and slashes dishonest ones in one
// pass. Abstainers (staked, never voted) are released but excluded from the
// honest payout pool. Returns counts, the total slashed, and the pool of
// released bonds belonging to majority voters.
func (e Engine) settleVerifierBonds(ctx context.Context, tx *sql.Tx, bonds []domain.BondRecord, voteOf map[string]string, dishonest map[string]bool, reason string) (released, slashed int, slashedTotal, honestPool int64, err error) {
	for _, b := range bonds {
		if b.Role != domain.BondRoleVerifier || b.Status != domain.BondStaked {
			continue
		}
		if dishonest[b.AgentID] {
			amt, err := e.slashBond(ctx, tx, b, e.Config.Bonds.SlashRate, reason)
			if err != nil {
				return released, slashed, slashedTotal, honestPool, err
			}
			slashed++
			slashedTotal += amt
			continue
		}
		if err := e.releaseBond(ctx, tx, b); err != nil {
			return released, slashed, slashedTotal, honestPool, err
		}
		released++
		if _, voted := voteOf[b.AgentID]; voted {
			honestPool += b.Amount
		}
	}
	return released, slashed, slashedTotal, honestPool, nil
}
