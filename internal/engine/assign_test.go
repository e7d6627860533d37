package engine_test

import (
	"fmt"
	"strings"
	"testing"

	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/repo"
)

func boolPtr(v bool) *bool { return &v }

func TestAutopilotAssignmentIsDeterministic(t *testing.T) {
	setup := func(t *testing.T) (testEnv, domain.Mission) {
		env := newTestEnv(t)
		env.registerAgent(t, "req", "requester", nil, 0)
		env.registerAgent(t, "w1", "worker", []string{"go"}, 100)
		env.registerAgent(t, "w2", "worker", []string{"go"}, 2_000)
		env.registerAgent(t, "w3", "worker", []string{"go"}, 5_000)
		env.mint(t, "req", 10_000)
		m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
			ID:          "8f1c9a6e-0000-4000-8000-000000000001",
			RequesterID: "req",
			Title:       "deterministic draw",
			Reward:      1_000,
			Specialties: []string{"go"},
			ActorID:     "req",
		})
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		return env, m
	}

	_, m1 := setup(t)
	_, m2 := setup(t)

	if m1.Status != domain.MissionAssigned || m2.Status != domain.MissionAssigned {
		t.Fatalf("statuses: %s / %s", m1.Status, m2.Status)
	}
	if m1.AssignedAgentID == nil || m2.AssignedAgentID == nil {
		t.Fatalf("both runs must assign a worker")
	}
	if *m1.AssignedAgentID != *m2.AssignedAgentID {
		t.Fatalf("same mission and pool drew different winners: %s vs %s", *m1.AssignedAgentID, *m2.AssignedAgentID)
	}
}

func TestAutopilotFailsOnExactScoreTie(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "req", "requester", nil, 0)
	env.registerAgent(t, "w1", "worker", []string{"go"}, 500)
	env.registerAgent(t, "w2", "worker", []string{"go"}, 500)
	env.mint(t, "req", 10_000)

	m := env.postMission(t, "req", 1_000)
	if m.Status != domain.MissionFailed {
		t.Fatalf("identical top scores must fail the mission, got %s", m.Status)
	}
	if m.FailureReason == nil || !strings.Contains(*m.FailureReason, "tie") {
		t.Fatalf("failure reason=%v", m.FailureReason)
	}
	if got := env.available(t, "req"); got != 10_000 {
		t.Fatalf("failed assignment must refund the escrow: available=%d", got)
	}

	// the failure event carries the scored pool so the tie can be audited
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 5, m.ID, "mission.failed", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one failure event, got %d", len(evts))
	}
	for _, want := range []string{`"scores"`, `"w1"`, `"w2"`} {
		if !strings.Contains(evts[0].Payload, want) {
			t.Fatalf("failure payload missing %s: %s", want, evts[0].Payload)
		}
	}
}

func TestRecentWinsDampenIdenticalWorkers(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "req", "requester", nil, 0)
	env.registerAgent(t, "w-fresh", "worker", []string{"go"}, 500)
	env.registerAgent(t, "w-busy", "worker", []string{"go"}, 500)
	env.mint(t, "req", 10_000)

	// three recorded wins drop w-busy's weight below its twin's
	for i := 0; i < 3; i++ {
		rec := domain.AssignmentRecord{
			AgentID:   "w-busy",
			MissionID: fmt.Sprintf("earlier-%d", i),
			Method:    "autopilot",
			WonAt:     "2026-01-01T00:00:00Z",
		}
		if err := env.Engine.Repo.AppendAssignment(env.Ctx, nil, rec, 10); err != nil {
			t.Fatalf("seed win %d: %v", i, err)
		}
	}

	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		ID:          "mission-damping-2",
		RequesterID: "req",
		Title:       "damped draw",
		Reward:      1_000,
		Specialties: []string{"go"},
		ActorID:     "req",
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if m.Status != domain.MissionAssigned {
		t.Fatalf("damping must break the symmetry, got %s (%v)", m.Status, m.FailureReason)
	}
	if *m.AssignedAgentID != "w-fresh" {
		t.Fatalf("expected the idle twin to win, got %s", *m.AssignedAgentID)
	}
}

func TestAutopilotFailsWithoutEligibleAgents(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "req", "requester", nil, 0)
	env.registerAgent(t, "w1", "worker", []string{"rust"}, 500)
	env.mint(t, "req", 10_000)

	m := env.postMission(t, "req", 1_000)
	if m.Status != domain.MissionFailed {
		t.Fatalf("expected failed, got %s", m.Status)
	}
	if got := env.available(t, "req"); got != 10_000 {
		t.Fatalf("expected full refund, available=%d", got)
	}
}

func TestAutopilotSkipsSuspendedAndUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "req", "requester", nil, 0)
	env.registerAgent(t, "w-suspended", "worker", []string{"go"}, 100)
	env.registerAgent(t, "w-away", "worker", []string{"go"}, 200)
	env.registerAgent(t, "w-ok", "worker", []string{"go"}, 9_000)
	env.mint(t, "req", 10_000)

	if _, err := env.Engine.UpdateAgentProfile(env.Ctx, "w-suspended", repo.AgentUpdate{Suspended: boolPtr(true)}, "tester"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, err := env.Engine.UpdateAgentProfile(env.Ctx, "w-away", repo.AgentUpdate{Available: boolPtr(false)}, "tester"); err != nil {
		t.Fatalf("mark away: %v", err)
	}

	m := env.postMission(t, "req", 1_000)
	if m.Status != domain.MissionAssigned {
		t.Fatalf("expected assigned, got %s (%v)", m.Status, m.FailureReason)
	}
	if *m.AssignedAgentID != "w-ok" {
		t.Fatalf("expected the only eligible worker, got %s", *m.AssignedAgentID)
	}
}

func TestAssignmentHistoryKeepsRecentWindow(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "req", "requester", nil, 0)
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{
		ID:            "w1",
		Role:          "worker",
		Specialties:   []string{"go"},
		HourlyRate:    500,
		MaxConcurrent: 20,
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	env.mint(t, "req", 20_000)

	for i := 0; i < 12; i++ {
		m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
			RequesterID: "req",
			Title:       fmt.Sprintf("job %d", i),
			Reward:      1_000,
			Specialties: []string{"go"},
			ActorID:     "req",
		})
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		if m.Status != domain.MissionAssigned {
			t.Fatalf("post %d: expected assigned, got %s (%v)", i, m.Status, m.FailureReason)
		}
	}

	history, err := env.Engine.Repo.ListAssignments(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 10 {
		t.Fatalf("history window should hold 10 records, got %d", len(history))
	}
}
