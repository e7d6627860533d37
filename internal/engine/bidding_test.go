package engine_test

import (
	"testing"

	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/repo"
)

// postAuction posts a mission above the bidding threshold with three workers
// registered and the requester funded.
func postAuction(t *testing.T, env testEnv) domain.Mission {
	t.Helper()
	env.registerAgent(t, "req", "requester", nil, 0)
	env.registerAgent(t, "w1", "worker", []string{"go"}, 500)
	env.registerAgent(t, "w2", "worker", []string{"go"}, 600)
	env.registerAgent(t, "w3", "worker", []string{"go"}, 700)
	env.mint(t, "req", 100_000)
	return env.postMission(t, "req", 60_000)
}

func (env testEnv) bid(t *testing.T, missionID, agentID string, price int64, eta int, bond int64) domain.Bid {
	t.Helper()
	b, err := env.Engine.SubmitBid(env.Ctx, engine.BidOptions{
		MissionID:   missionID,
		AgentID:     agentID,
		Price:       price,
		ETAMinutes:  eta,
		BondOffered: bond,
	})
	if err != nil {
		t.Fatalf("bid by %s: %v", agentID, err)
	}
	return b
}

func TestHighRewardMissionOpensBidding(t *testing.T) {
	env := newTestEnv(t)
	m := postAuction(t, env)
	if m.Status != domain.MissionBiddingOpen {
		t.Fatalf("expected bidding_open, got %s", m.Status)
	}
	if m.BiddingEndsAt == nil {
		t.Fatalf("bidding window end not set")
	}
}

func TestSubmitBidValidation(t *testing.T) {
	env := newTestEnv(t)
	m := postAuction(t, env)

	_, err := env.Engine.SubmitBid(env.Ctx, engine.BidOptions{MissionID: m.ID, AgentID: "w1", Price: 70_000, ETAMinutes: 60})
	if engine.CodeOf(err) != engine.CodeInvalidInput {
		t.Fatalf("over-reward price should be refused, got %v", err)
	}

	env.bid(t, m.ID, "w1", 30_000, 120, 0)
	_, err = env.Engine.SubmitBid(env.Ctx, engine.BidOptions{MissionID: m.ID, AgentID: "w1", Price: 25_000, ETAMinutes: 60})
	if engine.CodeOf(err) != engine.CodeDuplicateBid {
		t.Fatalf("expected DUPLICATE_BID, got %v", err)
	}
}

func TestCannotBidOnAutopilotMission(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "req", "requester", nil, 0)
	env.registerAgent(t, "w1", "worker", []string{"go"}, 500)
	env.mint(t, "req", 10_000)
	m := env.postMission(t, "req", 1_000)

	_, err := env.Engine.SubmitBid(env.Ctx, engine.BidOptions{MissionID: m.ID, AgentID: "w1", Price: 500, ETAMinutes: 60})
	if engine.CodeOf(err) != engine.CodeBiddingClosed {
		t.Fatalf("expected BIDDING_CLOSED, got %v", err)
	}
}

func TestStartDuringOpenAuctionIsRefused(t *testing.T) {
	env := newTestEnv(t)
	m := postAuction(t, env)

	_, err := env.Engine.StartMission(env.Ctx, m.ID, "w1")
	if engine.CodeOf(err) != engine.CodeBiddingInProgress {
		t.Fatalf("expected BIDDING_IN_PROGRESS, got %v", err)
	}
}

func TestResumeBiddingTimersClosesOverdueAuctions(t *testing.T) {
	env := newTestEnv(t)
	m := postAuction(t, env)
	env.bid(t, m.ID, "w1", 30_000, 120, 0)

	// simulate a restart after the window lapsed while the process was down
	past := "2026-01-01T00:00:00Z"
	if err := env.Engine.Repo.UpdateMission(env.Ctx, nil, m.ID, repo.MissionUpdate{BiddingEndsAt: &past}); err != nil {
		t.Fatalf("rewind window: %v", err)
	}
	if err := env.Engine.ResumeBiddingTimers(env.Ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	after, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != domain.MissionAssigned {
		t.Fatalf("overdue auction should settle on resume, got %s (%v)", after.Status, after.FailureReason)
	}
	if after.AssignedAgentID == nil || *after.AssignedAgentID != "w1" {
		t.Fatalf("expected the sole bidder to win, got %v", after.AssignedAgentID)
	}
}

func TestCloseBiddingPicksBestBid(t *testing.T) {
	env := newTestEnv(t)
	m := postAuction(t, env)
	winning := env.bid(t, m.ID, "w1", 30_000, 120, 0)
	env.bid(t, m.ID, "w2", 45_000, 240, 0)
	env.bid(t, m.ID, "w3", 60_000, 480, 0)

	closed, err := env.Engine.CloseBidding(env.Ctx, m.ID, "req")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != domain.MissionAssigned {
		t.Fatalf("expected assigned, got %s (%v)", closed.Status, closed.FailureReason)
	}
	if closed.AssignedAgentID == nil || *closed.AssignedAgentID != "w1" {
		t.Fatalf("expected the cheapest fastest bid to win, got %v", closed.AssignedAgentID)
	}
	if closed.AcceptedBidID == nil || *closed.AcceptedBidID != winning.ID {
		t.Fatalf("accepted bid=%v, want %s", closed.AcceptedBidID, winning.ID)
	}

	// the timer and a manual close race safely
	again, err := env.Engine.CloseBidding(env.Ctx, m.ID, "system")
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if again.Status != domain.MissionAssigned {
		t.Fatalf("second close changed the mission: %s", again.Status)
	}

	_, err = env.Engine.SubmitBid(env.Ctx, engine.BidOptions{MissionID: m.ID, AgentID: "w2", Price: 10_000, ETAMinutes: 30})
	if engine.CodeOf(err) != engine.CodeBiddingClosed {
		t.Fatalf("late bid should be refused, got %v", err)
	}
}

func TestCloseBiddingWithoutBidsFails(t *testing.T) {
	env := newTestEnv(t)
	m := postAuction(t, env)

	closed, err := env.Engine.CloseBidding(env.Ctx, m.ID, "req")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != domain.MissionFailed {
		t.Fatalf("expected failed, got %s", closed.Status)
	}
	if got := env.available(t, "req"); got != 100_000 {
		t.Fatalf("expected full refund, available=%d", got)
	}
}

func TestCloseBiddingTieFails(t *testing.T) {
	env := newTestEnv(t)
	m := postAuction(t, env)
	env.bid(t, m.ID, "w1", 30_000, 120, 0)
	env.bid(t, m.ID, "w2", 30_000, 120, 0)

	closed, err := env.Engine.CloseBidding(env.Ctx, m.ID, "req")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != domain.MissionFailed {
		t.Fatalf("identical bids must fail the auction, got %s", closed.Status)
	}
	if got := env.available(t, "req"); got != 100_000 {
		t.Fatalf("expected full refund, available=%d", got)
	}
}
