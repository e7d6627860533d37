package engine_test

import (
	"context"
	"testing"
	"time"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("mkt-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) registerAgent(t *testing.T, id, role string, specialties []string, rate int64) domain.Agent {
	t.Helper()
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{
		ID:          id,
		Role:        role,
		Specialties: specialties,
		HourlyRate:  rate,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return a
}

func (env testEnv) mint(t *testing.T, id string, amount int64) {
	t.Helper()
	if _, err := env.Engine.MintFunds(env.Ctx, id, amount, "tester"); err != nil {
		t.Fatalf("mint %d to %s: %v", amount, id, err)
	}
}

func (env testEnv) available(t *testing.T, id string) int64 {
	t.Helper()
	v, err := env.Engine.AvailableBalance(env.Ctx, id)
	if err != nil {
		t.Fatalf("available of %s: %v", id, err)
	}
	return v
}

// postMission posts a small autopilot mission accepted by any "go" worker.
func (env testEnv) postMission(t *testing.T, requester string, reward int64) domain.Mission {
	t.Helper()
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		RequesterID: requester,
		Title:       "build the thing",
		Reward:      reward,
		Specialties: []string{"go"},
		ActorID:     requester,
	})
	if err != nil {
		t.Fatalf("post mission: %v", err)
	}
	return m
}

func TestMissionTransitionsThroughLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "req", "requester", nil, 0)
	env.registerAgent(t, "w1", "worker", []string{"go"}, 500)
	env.mint(t, "req", 10_000)
	env.mint(t, "w1", 1_000)

	m := env.postMission(t, "req", 1_000)
	if m.Status != domain.MissionAssigned {
		t.Fatalf("expected assigned, got %s", m.Status)
	}
	if m.AssignedAgentID == nil || *m.AssignedAgentID != "w1" {
		t.Fatalf("expected w1 assigned, got %v", m.AssignedAgentID)
	}
	if got := env.available(t, "req"); got != 9_000 {
		t.Fatalf("escrow should reserve the reward: available=%d", got)
	}

	m, err := env.Engine.StartMission(env.Ctx, m.ID, "w1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.Status != domain.MissionExecuting {
		t.Fatalf("expected executing, got %s", m.Status)
	}
	// worker bond (10% of reward, floored at the minimum) is now reserved
	if got := env.available(t, "w1"); got != 900 {
		t.Fatalf("worker bond should be reserved: available=%d", got)
	}

	m, err = env.Engine.SubmitWork(env.Ctx, m.ID, "w1", "done, see artifact", `["report.pdf"]`)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if m.Status != domain.MissionVerifying {
		t.Fatalf("expected verifying, got %s", m.Status)
	}
	if m.Submission == nil || *m.Submission == "" {
		t.Fatalf("submission not recorded")
	}

	if _, err := env.Engine.SubmitWork(env.Ctx, m.ID, "w1", "again", ""); err == nil {
		t.Fatalf("expected resubmission to be refused")
	}
}

func TestStartMissionChecksWorkerAndFunds(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "req", "requester", nil, 0)
	env.registerAgent(t, "w1", "worker", []string{"go"}, 500)
	env.mint(t, "req", 10_000)

	m := env.postMission(t, "req", 1_000)

	_, err := env.Engine.StartMission(env.Ctx, m.ID, "someone-else")
	if engine.CodeOf(err) != engine.CodeWorkerNotAssigned {
		t.Fatalf("expected WORKER_NOT_ASSIGNED, got %v", err)
	}

	// w1 has no credits; the bond stake fails and the transition rolls back
	_, err = env.Engine.StartMission(env.Ctx, m.ID, "w1")
	if engine.CodeOf(err) != engine.CodeInsufficientBalance {
		t.Fatalf("expected INSUFFICIENT_BALANCE, got %v", err)
	}
	after, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != domain.MissionAssigned {
		t.Fatalf("failed stake must leave mission assigned, got %s", after.Status)
	}
}

func TestCastVoteRequiresStakedBond(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "req", "requester", nil, 0)
	env.registerAgent(t, "w1", "worker", []string{"go"}, 500)
	env.registerAgent(t, "v1", "verifier", nil, 0)
	env.mint(t, "req", 10_000)
	env.mint(t, "w1", 1_000)
	env.mint(t, "v1", 1_000)

	m := env.postMission(t, "req", 1_000)
	if _, err := env.Engine.StartMission(env.Ctx, m.ID, "w1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.SubmitWork(env.Ctx, m.ID, "w1", "done", ""); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err := env.Engine.CastVote(env.Ctx, m.ID, "v1", domain.VoteApprove, "")
	if engine.CodeOf(err) != engine.CodeBondTooLow {
		t.Fatalf("vote without a bond should be refused, got %v", err)
	}

	if _, err := env.Engine.StakeVerifierBond(env.Ctx, m.ID, "v1"); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if _, err := env.Engine.CastVote(env.Ctx, m.ID, "v1", domain.VoteApprove, "looks right"); err != nil {
		t.Fatalf("vote: %v", err)
	}
	// one vote per verifier, enforced by the store
	if _, err := env.Engine.CastVote(env.Ctx, m.ID, "v1", domain.VoteReject, ""); err == nil {
		t.Fatalf("expected duplicate vote to be refused")
	}
}

func TestWorkerCannotVerifyOwnMission(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "req", "requester", nil, 0)
	env.registerAgent(t, "w1", "worker", []string{"go"}, 500)
	env.mint(t, "req", 10_000)
	env.mint(t, "w1", 1_000)

	m := env.postMission(t, "req", 1_000)
	_, err := env.Engine.StakeVerifierBond(env.Ctx, m.ID, "w1")
	if engine.CodeOf(err) != engine.CodeInvalidInput {
		t.Fatalf("expected self-verification to be refused, got %v", err)
	}
}

func TestDispatchQueueAndAck(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "req", "requester", nil, 0)
	env.registerAgent(t, "w1", "worker", []string{"go"}, 500)
	env.mint(t, "req", 10_000)

	m := env.postMission(t, "req", 1_000)
	tasks, err := env.Engine.Repo.ListDispatch(env.Ctx, "w1", domain.DispatchQueued, 10)
	if err != nil {
		t.Fatalf("list dispatch: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Type != "mission.assigned" {
		t.Fatalf("expected one assignment notification, got %+v", tasks)
	}

	if err := env.Engine.AckDispatch(env.Ctx, tasks[0].ID, "someone-else"); engine.CodeOf(err) != engine.CodeForbidden {
		t.Fatalf("foreign ack should be forbidden, got %v", err)
	}
	if err := env.Engine.AckDispatch(env.Ctx, tasks[0].ID, "w1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := env.Engine.AckDispatch(env.Ctx, tasks[0].ID, "w1"); err == nil {
		t.Fatalf("expected second ack to be refused")
	}
	_ = m
}

func TestReputationClamps(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "a1", "worker", []string{"go"}, 0)

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if rep, err := env.Engine.UpdateReputation(env.Ctx, tx, "a1", 80); err != nil || rep != 100 {
		t.Fatalf("expected clamp to 100, got %d (%v)", rep, err)
	}
	if rep, err := env.Engine.UpdateReputation(env.Ctx, tx, "a1", -150); err != nil || rep != 0 {
		t.Fatalf("expected clamp to 0, got %d (%v)", rep, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}
