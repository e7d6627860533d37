package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

const bidColumns = `id,mission_id,agent_id,price,eta_minutes,bond_offered,COALESCE(message,''),submitted_at`

func scanBid(scan func(dest ...any) error) (domain.Bid, error) {
	var b domain.Bid
	err := scan(&b.ID, &b.MissionID, &b.AgentID, &b.Price, &b.ETAMinutes, &b.BondOffered, &b.Message, &b.SubmittedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) InsertBid(ctx context.Context, tx *sql.Tx, b domain.Bid) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO bids(id,mission_id,agent_id,price,eta_minutes,bond_offered,message,submitted_at) VALUES (?,?,?,?,?,?,?,?)`,
		b.ID, b.MissionID, b.AgentID, b.Price, b.ETAMinutes, b.BondOffered, nullable(b.Message), b.SubmittedAt)
	return err
}

func (r Repo) GetBid(ctx context.Context, id string) (domain.Bid, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id=?`, id)
	return scanBid(row.Scan)
}

func (r Repo) GetBidByAgent(ctx context.Context, tx *sql.Tx, missionID, agentID string) (domain.Bid, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE mission_id=? AND agent_id=?`, missionID, agentID)
	return scanBid(row.Scan)
}

func (r Repo) ListBids(ctx context.Context, tx *sql.Tx, missionID string) ([]domain.Bid, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE mission_id=? ORDER BY submitted_at, id`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}
