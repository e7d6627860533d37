package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

const bondColumns = `id,mission_id,agent_id,role,amount,status,slash_amount,slash_reason,staked_at,resolved_at`

func scanBond(scan func(dest ...any) error) (domain.BondRecord, error) {
	var b domain.BondRecord
	err := scan(&b.ID, &b.MissionID, &b.AgentID, &b.Role, &b.Amount, &b.Status, &b.SlashAmount, &b.SlashReason, &b.StakedAt, &b.ResolvedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) InsertBond(ctx context.Context, tx *sql.Tx, b domain.BondRecord) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO bonds(id,mission_id,agent_id,role,amount,status,staked_at) VALUES (?,?,?,?,?,?,?)`,
		b.ID, b.MissionID, b.AgentID, b.Role, b.Amount, b.Status, b.StakedAt)
	return err
}

func (r Repo) GetBond(ctx context.Context, tx *sql.Tx, id string) (domain.BondRecord, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+bondColumns+` FROM bonds WHERE id=?`, id)
	return scanBond(row.Scan)
}

func (r Repo) GetBondByRole(ctx context.Context, tx *sql.Tx, missionID, agentID, role string) (domain.BondRecord, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+bondColumns+` FROM bonds WHERE mission_id=? AND agent_id=? AND role=?`, missionID, agentID, role)
	return scanBond(row.Scan)
}

func (r Repo) ListBondsByMission(ctx context.Context, tx *sql.Tx, missionID string) ([]domain.BondRecord, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+bondColumns+` FROM bonds WHERE mission_id=? ORDER BY staked_at, id`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BondRecord
	for rows.Next() {
		b, err := scanBond(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// ResolveBond flips a staked bond to released or slashed exactly once; the
// WHERE clause refuses to touch an already resolved row.
func (r Repo) ResolveBond(ctx context.Context, tx *sql.Tx, id, status string, slashAmount *int64, slashReason *string, resolvedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE bonds SET status=?, slash_amount=?, slash_reason=?, resolved_at=? WHERE id=? AND status=?`,
		status, slashAmount, nullableStringPtr(slashReason), resolvedAt, id, domain.BondStaked)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteBond(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM bonds WHERE id=?`, id)
	return err
}
