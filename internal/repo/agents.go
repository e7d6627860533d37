package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"missionline/internal/domain"
)

const agentColumns = `id,COALESCE(name,''),role,specialties_json,hourly_rate,reputation,available,suspended,max_concurrent,COALESCE(last_active_at,''),created_at,updated_at`

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var specialties string
	err := scan(&a.ID, &a.Name, &a.Role, &specialties, &a.HourlyRate, &a.Reputation, &a.Available, &a.Suspended, &a.MaxConcurrent, &a.LastActiveAt, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := decodeList(specialties, &a.Specialties); err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agents(id,name,role,specialties_json,hourly_rate,reputation,available,suspended,max_concurrent,last_active_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, nullable(a.Name), a.Role, encodeList(a.Specialties), a.HourlyRate, a.Reputation, a.Available, a.Suspended, a.MaxConcurrent,
		nullable(a.LastActiveAt), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return r.GetAgentTx(ctx, nil, id)
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

type AgentFilters struct {
	Role          string
	AvailableOnly bool
}

func (r Repo) ListAgents(ctx context.Context, f AgentFilters) ([]domain.Agent, error) {
	return r.ListAgentsTx(ctx, nil, f)
}

func (r Repo) ListAgentsTx(ctx context.Context, tx *sql.Tx, f AgentFilters) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var (
		where []string
		args  []any
	)
	if f.Role != "" {
		where = append(where, "role=?")
		args = append(args, f.Role)
	}
	if f.AvailableOnly {
		where = append(where, "available=1 AND suspended=0")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AgentUpdate mirrors MissionUpdate: nil leaves the column untouched.
type AgentUpdate struct {
	Name          *string
	Specialties   []string
	HourlyRate    *int64
	Reputation    *int
	Available     *bool
	Suspended     *bool
	MaxConcurrent *int
	LastActiveAt  *string
	UpdatedAt     string
}

func (r Repo) UpdateAgent(ctx context.Context, tx *sql.Tx, id string, u AgentUpdate) error {
	var (
		fields []string
		args   []any
	)
	if u.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, nullable(*u.Name))
	}
	if u.Specialties != nil {
		fields = append(fields, "specialties_json=?")
		args = append(args, encodeList(u.Specialties))
	}
	if u.HourlyRate != nil {
		fields = append(fields, "hourly_rate=?")
		args = append(args, *u.HourlyRate)
	}
	if u.Reputation != nil {
		fields = append(fields, "reputation=?")
		args = append(args, *u.Reputation)
	}
	if u.Available != nil {
		fields = append(fields, "available=?")
		args = append(args, *u.Available)
	}
	if u.Suspended != nil {
		fields = append(fields, "suspended=?")
		args = append(args, *u.Suspended)
	}
	if u.MaxConcurrent != nil {
		fields = append(fields, "max_concurrent=?")
		args = append(args, *u.MaxConcurrent)
	}
	if u.LastActiveAt != nil {
		fields = append(fields, "last_active_at=?")
		args = append(args, nullable(*u.LastActiveAt))
	}
	if len(fields) == 0 {
		return nil
	}
	if u.UpdatedAt != "" {
		fields = append(fields, "updated_at=?")
		args = append(args, u.UpdatedAt)
	}
	args = append(args, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE agents SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
