package engine_test

import (
	"errors"
	"strings"
	"testing"

	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/repo"
)

// driveToVerifying posts a 1000-credit mission, assigns w1, starts it, submits
// work, and stakes verifier bonds for the given verifiers. Every agent starts
// with 1000 credits and the requester with 10000.
func driveToVerifying(t *testing.T, env testEnv, verifiers ...string) domain.Mission {
	t.Helper()
	env.registerAgent(t, "req", "requester", nil, 0)
	env.registerAgent(t, "w1", "worker", []string{"go"}, 500)
	env.mint(t, "req", 10_000)
	env.mint(t, "w1", 1_000)
	for _, v := range verifiers {
		env.registerAgent(t, v, "verifier", nil, 0)
		env.mint(t, v, 1_000)
	}

	m := env.postMission(t, "req", 1_000)
	if _, err := env.Engine.StartMission(env.Ctx, m.ID, "w1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	m, err := env.Engine.SubmitWork(env.Ctx, m.ID, "w1", "work is done", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	for _, v := range verifiers {
		if _, err := env.Engine.StakeVerifierBond(env.Ctx, m.ID, v); err != nil {
			t.Fatalf("stake %s: %v", v, err)
		}
	}
	return m
}

func (env testEnv) vote(t *testing.T, missionID, verifierID, vote string) {
	t.Helper()
	if _, err := env.Engine.CastVote(env.Ctx, missionID, verifierID, vote, ""); err != nil {
		t.Fatalf("vote %s by %s: %v", vote, verifierID, err)
	}
}

func TestSettleMissionPass(t *testing.T) {
	env := newTestEnv(t)
	m := driveToVerifying(t, env, "v1", "v2", "v3")
	env.vote(t, m.ID, "v1", domain.VoteApprove)
	env.vote(t, m.ID, "v2", domain.VoteApprove)
	env.vote(t, m.ID, "v3", domain.VoteReject)

	s, err := env.Engine.SettleMission(env.Ctx, m.ID, "req")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if s.Outcome != domain.OutcomePass {
		t.Fatalf("expected pass, got %s", s.Outcome)
	}
	if s.WorkerPayout != 980 || s.ProtocolFee != 20 {
		t.Fatalf("payout=%d fee=%d", s.WorkerPayout, s.ProtocolFee)
	}
	if s.Refund != 0 || s.SlashedBond != 0 {
		t.Fatalf("pass must not refund or slash the worker: %+v", s)
	}
	// the worker bond plus both approving verifier bonds come back
	if s.BondsReleased != 3 || s.BondsSlashed != 1 {
		t.Fatalf("released=%d slashed=%d", s.BondsReleased, s.BondsSlashed)
	}
	if s.VerifierShare != 200 {
		t.Fatalf("verifier share=%d", s.VerifierShare)
	}
	if s.TreasuryShare != 120 {
		t.Fatalf("treasury share=%d", s.TreasuryShare)
	}

	for id, want := range map[string]int64{
		"req": 9_000, "w1": 1_980, "v1": 1_000, "v2": 1_000, "v3": 900,
		"protocol-treasury": 120,
	} {
		if got := env.available(t, id); got != want {
			t.Fatalf("balance of %s: got %d, want %d", id, got, want)
		}
	}

	worker, err := env.Engine.Repo.GetAgent(env.Ctx, "w1")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if worker.Reputation != 55 {
		t.Fatalf("worker reputation=%d", worker.Reputation)
	}

	after, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != domain.MissionSettled {
		t.Fatalf("expected settled, got %s", after.Status)
	}

	// the escrow row accounts for the fee carved off before the release
	esc, err := env.Engine.Repo.GetEscrowByMission(env.Ctx, nil, m.ID)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if esc.Status != domain.EscrowReleased {
		t.Fatalf("escrow status=%s", esc.Status)
	}
	if esc.ReleaseTo == nil || *esc.ReleaseTo != "w1" {
		t.Fatalf("escrow release_to=%v", esc.ReleaseTo)
	}
	if esc.SlashedAmount != 20 || esc.RefundedAmount != 0 {
		t.Fatalf("escrow slashed=%d refunded=%d", esc.SlashedAmount, esc.RefundedAmount)
	}

	_, err = env.Engine.SettleMission(env.Ctx, m.ID, "req")
	if engine.CodeOf(err) != engine.CodeAlreadySettled {
		t.Fatalf("expected ALREADY_SETTLED on resettle, got %v", err)
	}
}

func TestSettleMissionFail(t *testing.T) {
	env := newTestEnv(t)
	m := driveToVerifying(t, env, "v1", "v2", "v3")
	env.vote(t, m.ID, "v1", domain.VoteApprove)
	env.vote(t, m.ID, "v2", domain.VoteReject)
	env.vote(t, m.ID, "v3", domain.VoteReject)

	s, err := env.Engine.SettleMission(env.Ctx, m.ID, "req")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if s.Outcome != domain.OutcomeFail {
		t.Fatalf("expected fail, got %s", s.Outcome)
	}
	if s.Refund != 1_000 || s.WorkerPayout != 0 {
		t.Fatalf("refund=%d payout=%d", s.Refund, s.WorkerPayout)
	}
	if s.SlashedBond != 100 {
		t.Fatalf("slashed bond=%d", s.SlashedBond)
	}
	// both rejecting bonds come back; the worker bond and the approve vote are slashed
	if s.BondsReleased != 2 || s.BondsSlashed != 2 {
		t.Fatalf("released=%d slashed=%d", s.BondsReleased, s.BondsSlashed)
	}
	if s.VerifierShare != 50 {
		t.Fatalf("verifier share=%d", s.VerifierShare)
	}
	if s.TreasuryShare != 150 {
		t.Fatalf("treasury share=%d", s.TreasuryShare)
	}

	for id, want := range map[string]int64{
		"req": 10_000, "w1": 900, "v1": 900, "v2": 1_025, "v3": 1_025,
		"protocol-treasury": 150,
	} {
		if got := env.available(t, id); got != want {
			t.Fatalf("balance of %s: got %d, want %d", id, got, want)
		}
	}

	worker, err := env.Engine.Repo.GetAgent(env.Ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if worker.Reputation != 40 {
		t.Fatalf("worker reputation=%d", worker.Reputation)
	}

	after, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != domain.MissionFailed {
		t.Fatalf("expected failed, got %s", after.Status)
	}
	if after.FailureReason == nil || !strings.Contains(*after.FailureReason, "1 approve, 2 reject") {
		t.Fatalf("failure reason=%v", after.FailureReason)
	}
}

func TestBondResolutionIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	m := driveToVerifying(t, env, "v1")

	b, err := env.Engine.Repo.GetBondByRole(env.Ctx, nil, m.ID, "v1", domain.BondRoleVerifier)
	if err != nil {
		t.Fatalf("get bond: %v", err)
	}
	if b.Status != domain.BondStaked {
		t.Fatalf("bond status=%s", b.Status)
	}

	now := "2026-01-02T00:00:00Z"
	if err := env.Engine.Repo.ResolveBond(env.Ctx, nil, b.ID, domain.BondReleased, nil, nil, now); err != nil {
		t.Fatalf("release: %v", err)
	}
	// a resolved bond can never flip to the other terminal state
	err = env.Engine.Repo.ResolveBond(env.Ctx, nil, b.ID, domain.BondSlashed, nil, nil, now)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second resolve must be refused, got %v", err)
	}
	after, err := env.Engine.Repo.GetBond(env.Ctx, nil, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != domain.BondReleased {
		t.Fatalf("bond status=%s after double resolve", after.Status)
	}
}

func TestSettleMissionNeedsQuorum(t *testing.T) {
	env := newTestEnv(t)
	m := driveToVerifying(t, env, "v1", "v2")
	env.vote(t, m.ID, "v1", domain.VoteApprove)
	env.vote(t, m.ID, "v2", domain.VoteApprove)

	_, err := env.Engine.SettleMission(env.Ctx, m.ID, "req")
	if engine.CodeOf(err) != engine.CodeNotEnoughVerifiers {
		t.Fatalf("expected NOT_ENOUGH_VERIFIERS, got %v", err)
	}
	after, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != domain.MissionVerifying {
		t.Fatalf("short quorum must leave the mission verifying, got %s", after.Status)
	}
}

func TestEvenVoteSplitFailsMission(t *testing.T) {
	env := newTestEnv(t)
	m := driveToVerifying(t, env, "v1", "v2", "v3", "v4")
	env.vote(t, m.ID, "v1", domain.VoteApprove)
	env.vote(t, m.ID, "v2", domain.VoteApprove)
	env.vote(t, m.ID, "v3", domain.VoteReject)
	env.vote(t, m.ID, "v4", domain.VoteReject)

	s, err := env.Engine.SettleMission(env.Ctx, m.ID, "req")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if s.Outcome != domain.OutcomeFail {
		t.Fatalf("an even split must fail the mission, got %s", s.Outcome)
	}
	if s.Refund != 1_000 {
		t.Fatalf("refund=%d", s.Refund)
	}
}
