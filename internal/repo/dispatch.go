package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

func (r Repo) EnqueueDispatch(ctx context.Context, tx *sql.Tx, t domain.DispatchTask) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO dispatch_queue(id,agent_id,type,priority,payload_json,status,created_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.AgentID, t.Type, t.Priority, t.PayloadJSON, t.Status, t.CreatedAt)
	return err
}

func (r Repo) ListDispatch(ctx context.Context, agentID, status string, limit int) ([]domain.DispatchTask, error) {
	query := `SELECT id,agent_id,type,priority,payload_json,status,created_at,acked_at FROM dispatch_queue WHERE agent_id=?`
	args := []any{agentID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY priority DESC, created_at, id LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DispatchTask
	for rows.Next() {
		var t domain.DispatchTask
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Type, &t.Priority, &t.PayloadJSON, &t.Status, &t.CreatedAt, &t.AckedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) GetDispatch(ctx context.Context, tx *sql.Tx, id string) (domain.DispatchTask, error) {
	var t domain.DispatchTask
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,agent_id,type,priority,payload_json,status,created_at,acked_at FROM dispatch_queue WHERE id=?`, id).
		Scan(&t.ID, &t.AgentID, &t.Type, &t.Priority, &t.PayloadJSON, &t.Status, &t.CreatedAt, &t.AckedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) AckDispatch(ctx context.Context, tx *sql.Tx, id, ackedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE dispatch_queue SET status=?, acked_at=? WHERE id=? AND status=?`,
		domain.DispatchAcked, ackedAt, id, domain.DispatchQueued)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
