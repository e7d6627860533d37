package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

func (r Repo) InsertVote(ctx context.Context, tx *sql.Tx, v domain.VerifierVote) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO verifier_votes(id,mission_id,verifier_id,vote,comment,cast_at) VALUES (?,?,?,?,?,?)`,
		v.ID, v.MissionID, v.VerifierID, v.Vote, nullable(v.Comment), v.CastAt)
	return err
}

func (r Repo) ListVotes(ctx context.Context, tx *sql.Tx, missionID string) ([]domain.VerifierVote, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,mission_id,verifier_id,vote,COALESCE(comment,''),cast_at FROM verifier_votes WHERE mission_id=? ORDER BY cast_at, id`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VerifierVote
	for rows.Next() {
		var v domain.VerifierVote
		if err := rows.Scan(&v.ID, &v.MissionID, &v.VerifierID, &v.Vote, &v.Comment, &v.CastAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
