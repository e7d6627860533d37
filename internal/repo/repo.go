package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"missionline/internal/config"
	"missionline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const missionColumns = `id,requester_id,title,COALESCE(description,''),reward,specialties_json,requirements_json,deliverables_json,
deadline_at,timeout_minutes,status,assignment_mode,assigned_agent_id,assigned_method,accepted_bid_id,escrow_id,
bidding_ends_at,bidding_closed_at,submission,artifacts_json,submitted_at,failure_reason,
created_at,updated_at,assigned_at,started_at,settled_at`

func scanMission(scan func(dest ...any) error) (domain.Mission, error) {
	var m domain.Mission
	var specialties, requirements, deliverables string
	err := scan(&m.ID, &m.RequesterID, &m.Title, &m.Description, &m.Reward, &specialties, &requirements, &deliverables,
		&m.DeadlineAt, &m.TimeoutMinutes, &m.Status, &m.AssignmentMode, &m.AssignedAgentID, &m.AssignedMethod, &m.AcceptedBidID, &m.EscrowID,
		&m.BiddingEndsAt, &m.BiddingClosedAt, &m.Submission, &m.ArtifactsJSON, &m.SubmittedAt, &m.FailureReason,
		&m.CreatedAt, &m.UpdatedAt, &m.AssignedAt, &m.StartedAt, &m.SettledAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if err := decodeList(specialties, &m.Specialties); err != nil {
		return m, err
	}
	if err := decodeList(requirements, &m.Requirements); err != nil {
		return m, err
	}
	if err := decodeList(deliverables, &m.Deliverables); err != nil {
		return m, err
	}
	return m, nil
}

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO missions(id,requester_id,title,description,reward,specialties_json,requirements_json,deliverables_json,
deadline_at,timeout_minutes,status,assignment_mode,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.RequesterID, m.Title, nullable(m.Description), m.Reward,
		encodeList(m.Specialties), encodeList(m.Requirements), encodeList(m.Deliverables),
		nullableStringPtr(m.DeadlineAt), nullableIntPtr(m.TimeoutMinutes), m.Status, m.AssignmentMode, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return r.GetMissionTx(ctx, nil, id)
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

type MissionFilters struct {
	Status        string
	RequesterID   string
	AssignedAgent string
	Limit         int
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions`
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.RequesterID != "" {
		where = append(where, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	if f.AssignedAgent != "" {
		where = append(where, "assigned_agent_id=?")
		args = append(args, f.AssignedAgent)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MissionUpdate carries only the columns a transition wants to touch.
// Nil pointer means leave the column alone; setting a pointer to the empty
// string writes NULL.
type MissionUpdate struct {
	Status          string
	AssignedAgentID *string
	AssignedMethod  *string
	AcceptedBidID   *string
	EscrowID        *string
	BiddingEndsAt   *string
	BiddingClosedAt *string
	Submission      *string
	ArtifactsJSON   *string
	SubmittedAt     *string
	FailureReason   *string
	AssignedAt      *string
	StartedAt       *string
	SettledAt       *string
	UpdatedAt       string
}

func (r Repo) UpdateMission(ctx context.Context, tx *sql.Tx, id string, u MissionUpdate) error {
	var (
		fields []string
		args   []any
	)
	if u.Status != "" {
		fields = append(fields, "status=?")
		args = append(args, u.Status)
	}
	set := func(col string, v *string) {
		if v != nil {
			fields = append(fields, col+"=?")
			args = append(args, nullable(*v))
		}
	}
	set("assigned_agent_id", u.AssignedAgentID)
	set("assigned_method", u.AssignedMethod)
	set("accepted_bid_id", u.AcceptedBidID)
	set("escrow_id", u.EscrowID)
	set("bidding_ends_at", u.BiddingEndsAt)
	set("bidding_closed_at", u.BiddingClosedAt)
	set("submission", u.Submission)
	set("artifacts_json", u.ArtifactsJSON)
	set("submitted_at", u.SubmittedAt)
	set("failure_reason", u.FailureReason)
	set("assigned_at", u.AssignedAt)
	set("started_at", u.StartedAt)
	set("settled_at", u.SettledAt)
	if len(fields) == 0 {
		return nil
	}
	if u.UpdatedAt == "" {
		u.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	fields = append(fields, "updated_at=?")
	args = append(args, u.UpdatedAt, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE missions SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveMissions counts missions an agent currently holds in a live state.
func (r Repo) CountActiveMissions(ctx context.Context, tx *sql.Tx, agentID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM missions WHERE assigned_agent_id=? AND status IN (?,?,?)`,
		agentID, domain.MissionAssigned, domain.MissionExecuting, domain.MissionVerifying).Scan(&n)
	return n, err
}

// --- marketplace config ---

func (r Repo) UpsertMarketplaceConfig(ctx context.Context, tx *sql.Tx, marketplaceID string, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO marketplace_config(marketplace_id,config_yaml,updated_at) VALUES (?,?,?)
		ON CONFLICT(marketplace_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`,
		marketplaceID, string(data), now)
	return err
}

func (r Repo) GetMarketplaceConfig(ctx context.Context, marketplaceID string) (*config.Config, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM marketplace_config WHERE marketplace_id=?`, marketplaceID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, missionID, evtType, entityKind string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(mission_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var (
		where []string
		args  []any
	)
	if missionID != "" {
		where = append(where, "mission_id=?")
		args = append(args, missionID)
	}
	if evtType != "" {
		where = append(where, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		where = append(where, "entity_kind=?")
		args = append(args, entityKind)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.MissionID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func encodeList(v []string) string {
	if v == nil {
		v = []string{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func decodeList(raw string, out *[]string) error {
	if raw == "" {
		*out = []string{}
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
