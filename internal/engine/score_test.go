package engine

import (
	"math"
	"testing"
	"time"

	"missionline/internal/config"
	"missionline/internal/domain"
)

func TestDrawWinnerIsStable(t *testing.T) {
	pool := []domain.AssignmentScore{
		{AgentID: "a", Final: 0.7},
		{AgentID: "b", Final: 0.5},
		{AgentID: "c", Final: 0.3},
	}
	first, ok := drawWinner("mission-1", pool)
	if !ok {
		t.Fatalf("expected a winner")
	}
	for i := 0; i < 20; i++ {
		got, ok := drawWinner("mission-1", pool)
		if !ok || got != first {
			t.Fatalf("draw %d: got %s (ok=%v), want %s", i, got, ok, first)
		}
	}
}

// TestDrawWinnerSequence pins the exact winners for a fixed pool across a run
// of mission ids. Any change to the hash, the weight scaling, or the cumulative
// walk shows up as a different sequence, which would silently reassign work on
// live marketplaces.
func TestDrawWinnerSequence(t *testing.T) {
	pool := []domain.AssignmentScore{
		{AgentID: "a", Final: 0.7},
		{AgentID: "b", Final: 0.5},
		{AgentID: "c", Final: 0.3},
	}
	want := map[string]string{
		"m-1": "b",
		"m-2": "c",
		"m-3": "a",
		"m-4": "b",
		"m-5": "b",
	}
	for missionID, winner := range want {
		got, ok := drawWinner(missionID, pool)
		if !ok || got != winner {
			t.Errorf("drawWinner(%s) = %s (ok=%v), want %s", missionID, got, ok, winner)
		}
	}
}

func TestDrawWinnerRejectsEmptyWeight(t *testing.T) {
	if _, ok := drawWinner("mission-1", nil); ok {
		t.Fatalf("empty pool must not draw")
	}
	pool := []domain.AssignmentScore{{AgentID: "a", Final: 0}, {AgentID: "b", Final: -1}}
	if _, ok := drawWinner("mission-1", pool); ok {
		t.Fatalf("zero-weight pool must not draw")
	}
}

func TestSpecialtyMatch(t *testing.T) {
	cases := []struct {
		agent, mission []string
		want           bool
	}{
		{[]string{"golang"}, []string{"go"}, true},
		{[]string{"go"}, []string{"golang"}, true},
		{[]string{"Go"}, []string{"gO"}, true},
		{[]string{"rust"}, []string{"go"}, false},
		{[]string{" go "}, []string{"go"}, true},
		{nil, []string{"go"}, false},
		{[]string{"go"}, nil, false},
	}
	for _, c := range cases {
		if got := specialtyMatch(c.agent, c.mission); got != c.want {
			t.Errorf("specialtyMatch(%v, %v) = %v, want %v", c.agent, c.mission, got, c.want)
		}
	}
}

func TestClamp01(t *testing.T) {
	if clamp01(-0.5) != 0 || clamp01(1.5) != 1 || clamp01(0.25) != 0.25 {
		t.Fatalf("clamp01 out of range")
	}
}

func TestRecencyScore(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	e := Engine{Config: config.Default("mkt-1"), Now: func() time.Time { return now }}

	if got := e.recencyScore(""); got != 0 {
		t.Fatalf("empty timestamp: %v", got)
	}
	if got := e.recencyScore("not a time"); got != 0 {
		t.Fatalf("unparseable timestamp: %v", got)
	}
	if got := e.recencyScore(now.Format(time.RFC3339)); got != 1 {
		t.Fatalf("active now: %v", got)
	}
	halfLifeAgo := now.Add(-6 * time.Hour).Format(time.RFC3339)
	if got := e.recencyScore(halfLifeAgo); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("one half-life ago: %v", got)
	}
	dayAgo := now.Add(-24 * time.Hour).Format(time.RFC3339)
	if got := e.recencyScore(dayAgo); got != 0 {
		t.Fatalf("24h cutoff: %v", got)
	}
	future := now.Add(2 * time.Hour).Format(time.RFC3339)
	if got := e.recencyScore(future); got != 1 {
		t.Fatalf("future timestamps clamp to now: %v", got)
	}
}

func TestBondAmounts(t *testing.T) {
	e := Engine{Config: config.Default("mkt-1")}
	if got := e.workerBondAmount(domain.Mission{Reward: 10_000}); got != 1_000 {
		t.Fatalf("worker bond on 10000: %d", got)
	}
	if got := e.workerBondAmount(domain.Mission{Reward: 500}); got != 100 {
		t.Fatalf("worker bond floor: %d", got)
	}
	if got := e.verifierBondAmount(domain.Mission{Reward: 10_000}); got != 500 {
		t.Fatalf("verifier bond on 10000: %d", got)
	}
	if got := e.verifierBondAmount(domain.Mission{Reward: 500}); got != 100 {
		t.Fatalf("verifier bond floor: %d", got)
	}
}
