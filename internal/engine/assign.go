package engine

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"time"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
)

// runAutopilot scores the worker pool and assigns deterministically, or fails
// the mission with a reason carrying the candidate scores. Runs inside the
// caller's create transaction so a failed assignment refunds the escrow
// atomically.
func (e Engine) runAutopilot(ctx context.Context, tx *sql.Tx, m *domain.Mission, actorID string) (string, error) {
	candidates, err := e.Repo.ListAgentsTx(ctx, tx, repo.AgentFilters{Role: "worker"})
	if err != nil {
		return "", err
	}
	var scores []domain.AssignmentScore
	rejected := map[string]string{}
	for _, a := range candidates {
		if reason := e.ineligibleReason(ctx, tx, a, *m, true); reason != "" {
			rejected[a.ID] = reason
			continue
		}
		s, err := e.scoreAgent(ctx, tx, a, *m)
		if err != nil {
			return "", err
		}
		scores = append(scores, s)
	}
	if len(scores) == 0 {
		reason := "no eligible agents for specialties " + strings.Join(m.Specialties, ",")
		return e.failMission(ctx, tx, m, reason, actorID, events.EventPayload{"rejected": rejected})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Final != scores[j].Final {
			return scores[i].Final > scores[j].Final
		}
		return scores[i].AgentID < scores[j].AgentID
	})
	for i := range scores {
		scores[i].Rank = i + 1
	}
	if len(scores) >= 2 && scores[0].Final == scores[1].Final {
		reason := fmt.Sprintf("score tie between %s and %s at %.6f", scores[0].AgentID, scores[1].AgentID, scores[0].Final)
		return e.failMission(ctx, tx, m, reason, actorID, events.EventPayload{"scores": scores, "rejected": rejected})
	}
	pool := scores
	if k := e.Config.Assignment.PoolSize; len(pool) > k {
		pool = pool[:k]
	}
	winner, ok := drawWinner(m.ID, pool)
	if !ok {
		return e.failMission(ctx, tx, m, "candidate pool carries no positive weight", actorID, events.EventPayload{"scores": scores, "rejected": rejected})
	}
	return e.assignWinner(ctx, tx, m, winner, "autopilot", scores, actorID)
}

// ineligibleReason applies the hard filters. checkCap additionally enforces
// the concurrent-mission cap (bidding eligibility skips it).
func (e Engine) ineligibleReason(ctx context.Context, tx *sql.Tx, a domain.Agent, m domain.Mission, checkCap bool) string {
	if a.Suspended {
		return "suspended"
	}
	if !a.Available {
		return "unavailable"
	}
	if !specialtyMatch(a.Specialties, m.Specialties) {
		return "specialty mismatch"
	}
	if checkCap {
		active, err := e.Repo.CountActiveMissions(ctx, tx, a.ID)
		if err != nil {
			return "active mission lookup failed"
		}
		cap := a.MaxConcurrent
		if cap <= 0 {
			cap = e.Config.Assignment.MaxConcurrent
		}
		if active >= cap {
			return "at concurrent mission cap"
		}
	}
	return ""
}

// specialtyMatch is a case-insensitive substring match in either direction,
// so "go" matches "golang" and vice versa.
func specialtyMatch(agentSpecs, missionSpecs []string) bool {
	for _, want := range missionSpecs {
		w := strings.ToLower(strings.TrimSpace(want))
		if w == "" {
			continue
		}
		for _, have := range agentSpecs {
			h := strings.ToLower(strings.TrimSpace(have))
			if h == "" {
				continue
			}
			if strings.Contains(h, w) || strings.Contains(w, h) {
				return true
			}
		}
	}
	return false
}

func (e Engine) scoreAgent(ctx context.Context, tx *sql.Tx, a domain.Agent, m domain.Mission) (domain.AssignmentScore, error) {
	cfg := e.Config.Assignment
	s := domain.AssignmentScore{AgentID: a.ID}

	s.Reputation = clamp01(float64(a.Reputation) / 100)
	s.BondCapacity = s.Reputation

	rate := a.HourlyRate
	if rate > cfg.MaxHourlyRate {
		rate = cfg.MaxHourlyRate
	}
	s.Rate = clamp01(1 - float64(rate)/float64(cfg.MaxHourlyRate))

	s.Recency = e.recencyScore(a.LastActiveAt)

	w := cfg.Weights
	s.Base = w.Reputation*s.Reputation + w.BondCapacity*s.BondCapacity + w.Rate*s.Rate + w.Recency*s.Recency

	wins, err := e.Repo.CountRecentWins(ctx, tx, a.ID)
	if err != nil {
		return s, err
	}
	s.RecentWins = wins
	s.Damping = math.Pow(cfg.DiminishingFactor, float64(wins))
	s.Final = s.Base * s.Damping
	return s, nil
}

// recencyScore decays exponentially with hours since last activity and cuts
// to zero past 24h or when the agent has never been seen.
func (e Engine) recencyScore(lastActiveAt string) float64 {
	if lastActiveAt == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, lastActiveAt)
	if err != nil {
		return 0
	}
	hours := e.now().UTC().Sub(t.UTC()).Hours()
	if hours < 0 {
		hours = 0
	}
	if hours >= 24 {
		return 0
	}
	halfLife := e.Config.Assignment.RecencyHalfLife
	if halfLife <= 0 {
		halfLife = 6
	}
	return math.Pow(2, -hours/halfLife)
}

// drawWinner picks from the pool by hashing the mission id into the
// integer-scaled cumulative weight range. The same mission and pool always
// produce the same winner, reproducible offline.
func drawWinner(missionID string, pool []domain.AssignmentScore) (string, bool) {
	const scale = 1_000_000
	var total uint64
	weights := make([]uint64, len(pool))
	for i, s := range pool {
		w := uint64(0)
		if s.Final > 0 {
			w = uint64(s.Final * scale)
		}
		weights[i] = w
		total += w
	}
	if total == 0 {
		return "", false
	}
	h := fnv.New64a()
	h.Write([]byte(missionID))
	target := h.Sum64() % total
	var cum uint64
	for i, w := range weights {
		cum += w
		if target < cum {
			return pool[i].AgentID, true
		}
	}
	return pool[len(pool)-1].AgentID, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
