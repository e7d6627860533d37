package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ForbiddenError indicates the acting agent lacks the role an operation needs.
type ForbiddenError struct {
	Action string
	Role   string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s requires role %s", e.Action, e.Role)
}

// Service answers role questions against the agent directory.
type Service struct {
	DB *sql.DB
}

func (s Service) AgentRole(ctx context.Context, agentID string) (string, error) {
	if agentID == "" {
		return "", errors.New("actor_id required")
	}
	var role string
	err := s.DB.QueryRowContext(ctx, `SELECT role FROM agents WHERE id=?`, agentID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return role, err
}

// RequireRole passes when the agent holds any of the listed roles. Admins
// pass everything.
func (s Service) RequireRole(ctx context.Context, agentID, action string, roles ...string) error {
	role, err := s.AgentRole(ctx, agentID)
	if err != nil {
		return err
	}
	if role == "admin" {
		return nil
	}
	for _, r := range roles {
		if role == r {
			return nil
		}
	}
	want := "admin"
	if len(roles) > 0 {
		want = roles[0]
	}
	return ForbiddenError{Action: action, Role: want}
}
