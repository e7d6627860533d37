package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

// AppendAssignment records a win and evicts rows beyond the window, oldest
// first, so the table itself enforces the bounded FIFO.
func (r Repo) AppendAssignment(ctx context.Context, tx *sql.Tx, rec domain.AssignmentRecord, window int) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO assignment_history(agent_id,mission_id,method,won_at) VALUES (?,?,?,?)`,
		rec.AgentID, rec.MissionID, rec.Method, rec.WonAt)
	if err != nil {
		return err
	}
	if window <= 0 {
		return nil
	}
	_, err = r.q(tx).ExecContext(ctx, `DELETE FROM assignment_history WHERE agent_id=? AND id NOT IN (
		SELECT id FROM assignment_history WHERE agent_id=? ORDER BY id DESC LIMIT ?)`,
		rec.AgentID, rec.AgentID, window)
	return err
}

func (r Repo) CountRecentWins(ctx context.Context, tx *sql.Tx, agentID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM assignment_history WHERE agent_id=?`, agentID).Scan(&n)
	return n, err
}

func (r Repo) ListAssignments(ctx context.Context, agentID string) ([]domain.AssignmentRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,agent_id,mission_id,method,won_at FROM assignment_history WHERE agent_id=? ORDER BY id DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssignmentRecord
	for rows.Next() {
		var rec domain.AssignmentRecord
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.MissionID, &rec.Method, &rec.WonAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ClearAssignments wipes an agent's win history. Administrative use only.
func (r Repo) ClearAssignments(ctx context.Context, tx *sql.Tx, agentID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM assignment_history WHERE agent_id=?`, agentID)
	return err
}
