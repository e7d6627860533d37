package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
)

// SettleMission tallies the verifier votes and distributes every credit the
// mission touched: escrow, worker bond, verifier bonds, protocol fee. All
// integer division remainders accrue to the treasury so the books close
// exactly. A settled mission cannot be settled again.
func (e Engine) SettleMission(ctx context.Context, missionID, actorID string) (domain.Settlement, error) {
	unlock := e.locks.lock(missionID)
	defer unlock()

	m, err := e.getMission(ctx, missionID)
	if err != nil {
		return domain.Settlement{}, err
	}
	if m.Status != domain.MissionVerifying {
		if m.Status == domain.MissionSettled || m.Status == domain.MissionFailed {
			return domain.Settlement{}, coded(CodeAlreadySettled, "mission %s has already been settled (%s)", missionID, m.Status)
		}
		return domain.Settlement{}, coded(CodeInvalidStatus, "mission %s is %s, not verifying", missionID, m.Status)
	}
	if m.AssignedAgentID == nil {
		return domain.Settlement{}, coded(CodeWorkerNotAssigned, "mission %s has no assigned worker", missionID)
	}
	workerID := *m.AssignedAgentID

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Settlement{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetSettlementByMission(ctx, tx, missionID); err == nil {
		return domain.Settlement{}, coded(CodeAlreadySettled, "mission %s has already been settled", missionID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Settlement{}, err
	}

	votes, err := e.Repo.ListVotes(ctx, tx, missionID)
	if err != nil {
		return domain.Settlement{}, err
	}
	if len(votes) < e.Config.Verifiers.MinCount {
		return domain.Settlement{}, coded(CodeNotEnoughVerifiers, "mission %s has %d votes, needs %d", missionID, len(votes), e.Config.Verifiers.MinCount)
	}
	var approve, reject int
	voteOf := map[string]string{}
	for _, v := range votes {
		voteOf[v.VerifierID] = v.Vote
		if v.Vote == domain.VoteApprove {
			approve++
		} else {
			reject++
		}
	}
	// an even split fails the mission
	pass := approve > reject

	esc, err := e.Repo.GetEscrowByMission(ctx, tx, missionID)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("escrow for mission %s: %w", missionID, err)
	}
	bonds, err := e.Repo.ListBondsByMission(ctx, tx, missionID)
	if err != nil {
		return domain.Settlement{}, err
	}
	workerBond, err := e.Repo.GetBondByRole(ctx, tx, missionID, workerID, domain.BondRoleWorker)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("worker bond for mission %s: %w", missionID, err)
	}

	now := e.nowRFC()
	s := domain.Settlement{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte("settlement|"+missionID)).String(),
		MissionID: missionID,
		SettledAt: now,
	}

	var wantStatus string
	if pass {
		s.Outcome = domain.OutcomePass
		fee := int64(math.Floor(float64(esc.Amount) * e.Config.Settlement.ProtocolFeePct))
		payout, err := e.releaseEscrowToWorker(ctx, tx, esc, workerID, fee)
		if err != nil {
			return domain.Settlement{}, err
		}
		s.WorkerPayout = payout
		s.ProtocolFee = fee
		s.TreasuryShare = fee

		if err := e.releaseBond(ctx, tx, workerBond); err != nil {
			return domain.Settlement{}, err
		}
		s.BondsReleased++

		dishonest := map[string]bool{}
		for id, v := range voteOf {
			if v == domain.VoteReject {
				dishonest[id] = true
			}
		}
		released, slashed, slashedTotal, honestPool, err := e.settleVerifierBonds(ctx, tx, bonds, voteOf, dishonest, "rejected work the majority approved")
		if err != nil {
			return domain.Settlement{}, err
		}
		s.BondsReleased += released
		s.BondsSlashed = slashed
		s.TreasuryShare += slashedTotal
		s.VerifierShare = honestPool

		if reward := e.Config.Verifiers.Reward; reward > 0 {
			for id, v := range voteOf {
				if v != domain.VoteApprove {
					continue
				}
				if err := e.Ledger.Transfer(ctx, tx, e.treasury(), id, reward); err != nil {
					return domain.Settlement{}, fmt.Errorf("verifier reward: %w", err)
				}
				s.VerifierShare += reward
				s.TreasuryShare -= reward
			}
		}

		s.ReputationDelta = e.Config.Settlement.ReputationGain
		if _, err := e.UpdateReputation(ctx, tx, workerID, s.ReputationDelta); err != nil {
			return domain.Settlement{}, err
		}
		if err := e.Repo.UpdateMission(ctx, tx, missionID, repo.MissionUpdate{
			Status:    domain.MissionSettled,
			SettledAt: &now,
			UpdatedAt: now,
		}); err != nil {
			return domain.Settlement{}, err
		}
		wantStatus = domain.MissionSettled
	} else {
		s.Outcome = domain.OutcomeFail
		if err := e.refundEscrow(ctx, tx, esc); err != nil {
			return domain.Settlement{}, err
		}
		s.Refund = esc.Amount

		slashedBond, err := e.slashBond(ctx, tx, workerBond, e.Config.Bonds.SlashRate, "work failed verification")
		if err != nil {
			return domain.Settlement{}, err
		}
		s.SlashedBond = slashedBond
		s.BondsSlashed++

		// the rejecting majority shares half the slashed bond; the split
		// remainder and the treasury half stay with the protocol
		var honest []string
		dishonest := map[string]bool{}
		for id, v := range voteOf {
			if v == domain.VoteReject {
				honest = append(honest, id)
			} else {
				dishonest[id] = true
			}
		}
		verifierPool := int64(math.Floor(float64(slashedBond) * (1 - e.Config.Bonds.TreasurySplit)))
		var distributed int64
		if len(honest) > 0 && verifierPool > 0 {
			per := verifierPool / int64(len(honest))
			if per > 0 {
				for _, id := range honest {
					if err := e.Ledger.Transfer(ctx, tx, e.treasury(), id, per); err != nil {
						return domain.Settlement{}, fmt.Errorf("slash share: %w", err)
					}
					distributed += per
				}
			}
		}
		s.VerifierShare = distributed
		s.TreasuryShare = slashedBond - distributed

		released, slashed, slashedTotal, _, err := e.settleVerifierBonds(ctx, tx, bonds, voteOf, dishonest, "approved work the majority rejected")
		if err != nil {
			return domain.Settlement{}, err
		}
		s.BondsReleased = released
		s.BondsSlashed += slashed
		s.TreasuryShare += slashedTotal

		s.ReputationDelta = -e.Config.Settlement.ReputationLoss
		if _, err := e.UpdateReputation(ctx, tx, workerID, s.ReputationDelta); err != nil {
			return domain.Settlement{}, err
		}
		reason := fmt.Sprintf("verification failed (%d approve, %d reject)", approve, reject)
		if err := e.Repo.UpdateMission(ctx, tx, missionID, repo.MissionUpdate{
			Status:        domain.MissionFailed,
			FailureReason: &reason,
			SettledAt:     &now,
			UpdatedAt:     now,
		}); err != nil {
			return domain.Settlement{}, err
		}
		wantStatus = domain.MissionFailed
	}

	if err := e.Repo.InsertSettlement(ctx, tx, s); err != nil {
		return domain.Settlement{}, fmt.Errorf("insert settlement: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "mission.settled", missionID, "settlement", s.ID, actorID, events.EventPayload{
		"outcome": s.Outcome, "worker_payout": s.WorkerPayout, "protocol_fee": s.ProtocolFee,
		"refund": s.Refund, "slashed_bond": s.SlashedBond, "approve": approve, "reject": reject,
	}); err != nil {
		return domain.Settlement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Settlement{}, err
	}
	if _, err := e.verifyMissionStatus(ctx, missionID, wantStatus); err != nil {
		return domain.Settlement{}, err
	}
	return s, nil
}
