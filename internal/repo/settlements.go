package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

const settlementColumns = `id,mission_id,outcome,worker_payout,protocol_fee,refund,slashed_bond,treasury_share,verifier_share,bonds_released,bonds_slashed,reputation_delta,settled_at`

func scanSettlement(scan func(dest ...any) error) (domain.Settlement, error) {
	var s domain.Settlement
	err := scan(&s.ID, &s.MissionID, &s.Outcome, &s.WorkerPayout, &s.ProtocolFee, &s.Refund, &s.SlashedBond,
		&s.TreasuryShare, &s.VerifierShare, &s.BondsReleased, &s.BondsSlashed, &s.ReputationDelta, &s.SettledAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertSettlement(ctx context.Context, tx *sql.Tx, s domain.Settlement) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO settlements(`+settlementColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.MissionID, s.Outcome, s.WorkerPayout, s.ProtocolFee, s.Refund, s.SlashedBond,
		s.TreasuryShare, s.VerifierShare, s.BondsReleased, s.BondsSlashed, s.ReputationDelta, s.SettledAt)
	return err
}

func (r Repo) GetSettlementByMission(ctx context.Context, tx *sql.Tx, missionID string) (domain.Settlement, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE mission_id=?`, missionID)
	return scanSettlement(row.Scan)
}
