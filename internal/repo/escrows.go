package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

const escrowColumns = `id,mission_id,owner_id,amount,status,release_to,slashed_amount,refunded_amount,locked_at,resolved_at`

func scanEscrow(scan func(dest ...any) error) (domain.EscrowDetails, error) {
	var e domain.EscrowDetails
	err := scan(&e.ID, &e.MissionID, &e.OwnerID, &e.Amount, &e.Status, &e.ReleaseTo, &e.SlashedAmount, &e.RefundedAmount, &e.LockedAt, &e.ResolvedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) InsertEscrow(ctx context.Context, tx *sql.Tx, e domain.EscrowDetails) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO escrows(id,mission_id,owner_id,amount,status,locked_at) VALUES (?,?,?,?,?,?)`,
		e.ID, e.MissionID, e.OwnerID, e.Amount, e.Status, e.LockedAt)
	return err
}

func (r Repo) GetEscrow(ctx context.Context, tx *sql.Tx, id string) (domain.EscrowDetails, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id=?`, id)
	return scanEscrow(row.Scan)
}

func (r Repo) GetEscrowByMission(ctx context.Context, tx *sql.Tx, missionID string) (domain.EscrowDetails, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE mission_id=?`, missionID)
	return scanEscrow(row.Scan)
}

// ResolveEscrow closes a locked escrow exactly once.
func (r Repo) ResolveEscrow(ctx context.Context, tx *sql.Tx, id, status string, releaseTo *string, slashed, refunded int64, resolvedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE escrows SET status=?, release_to=?, slashed_amount=?, refunded_amount=?, resolved_at=? WHERE id=? AND status=?`,
		status, nullableStringPtr(releaseTo), slashed, refunded, resolvedAt, id, domain.EscrowLocked)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
