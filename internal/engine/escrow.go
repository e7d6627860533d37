package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/ledger"
	"missionline/internal/repo"
)

// lockEscrow validates and locks the mission reward against the requester's
// available balance. One escrow per mission, amount immutable afterwards.
func (e Engine) lockEscrow(ctx context.Context, tx *sql.Tx, m domain.Mission) (domain.EscrowDetails, error) {
	if _, err := e.Repo.GetEscrowByMission(ctx, tx, m.ID); err == nil {
		return domain.EscrowDetails{}, coded(CodeDuplicateEscrow, "mission %s already has an escrow", m.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.EscrowDetails{}, err
	}
	esc := domain.EscrowDetails{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte("escrow|"+m.ID)).String(),
		MissionID: m.ID,
		OwnerID:   m.RequesterID,
		Amount:    m.Reward,
		Status:    domain.EscrowLocked,
		LockedAt:  e.nowRFC(),
	}
	if err := e.Ledger.LockFunds(ctx, tx, esc.ID, esc.OwnerID, esc.Amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return domain.EscrowDetails{}, coded(CodeInsufficientBalance, "requester %s cannot cover reward %d", m.RequesterID, m.Reward)
		}
		return domain.EscrowDetails{}, err
	}
	if err := e.Repo.InsertEscrow(ctx, tx, esc); err != nil {
		return domain.EscrowDetails{}, fmt.Errorf("insert escrow: %w", err)
	}
	if err := e.Repo.UpdateMission(ctx, tx, m.ID, repo.MissionUpdate{EscrowID: &esc.ID, UpdatedAt: e.nowRFC()}); err != nil {
		return domain.EscrowDetails{}, err
	}
	return esc, nil
}

// refundEscrow returns the full locked amount to the requester.
func (e Engine) refundEscrow(ctx context.Context, tx *sql.Tx, esc domain.EscrowDetails) error {
	if esc.Status != domain.EscrowLocked {
		return coded(CodeInvalidStatus, "escrow %s is %s, not locked", esc.ID, esc.Status)
	}
	refunded, err := e.Ledger.ReleaseLock(ctx, tx, esc.ID, esc.OwnerID)
	if err != nil {
		return err
	}
	return e.Repo.ResolveEscrow(ctx, tx, esc.ID, domain.EscrowReleased, &esc.OwnerID, 0, refunded, e.nowRFC())
}

// releaseEscrowToWorker pays the reward to the worker minus the protocol fee,
// which goes to the treasury. The two parts always sum to the locked amount.
func (e Engine) releaseEscrowToWorker(ctx context.Context, tx *sql.Tx, esc domain.EscrowDetails, workerID string, fee int64) (payout int64, err error) {
	if esc.Status != domain.EscrowLocked {
		return 0, coded(CodeInvalidStatus, "escrow %s is %s, not locked", esc.ID, esc.Status)
	}
	if fee < 0 || fee > esc.Amount {
		return 0, fmt.Errorf("fee %d out of range for escrow amount %d", fee, esc.Amount)
	}
	if fee > 0 {
		if err := e.Ledger.SlashLock(ctx, tx, esc.ID, e.treasury(), fee); err != nil {
			return 0, err
		}
	}
	payout, err = e.Ledger.ReleaseLock(ctx, tx, esc.ID, workerID)
	if err != nil {
		return 0, err
	}
	if err := e.Repo.ResolveEscrow(ctx, tx, esc.ID, domain.EscrowReleased, &workerID, fee, 0, e.nowRFC()); err != nil {
		return 0, err
	}
	return payout, nil
}
