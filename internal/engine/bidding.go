package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
)

// biddingTimers owns the one close timer per open auction. Timers fire
// outside any mission lock; CloseBidding takes the lock itself.
type biddingTimers struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newBiddingTimers() *biddingTimers {
	return &biddingTimers{timers: make(map[string]*time.Timer)}
}

func (e Engine) scheduleBiddingClose(missionID string, d time.Duration) {
	e.timers.mu.Lock()
	defer e.timers.mu.Unlock()
	if _, ok := e.timers.timers[missionID]; ok {
		return
	}
	e.timers.timers[missionID] = time.AfterFunc(d, func() {
		e.timers.mu.Lock()
		delete(e.timers.timers, missionID)
		e.timers.mu.Unlock()
		// the manual-close race is safe: the loser observes already-closed
		if _, err := e.CloseBidding(context.Background(), missionID, "system"); err != nil {
			log.Printf("bidding close for mission %s failed: %v", missionID, err)
		}
	})
}

// ResumeBiddingTimers rearms close timers for auctions that were open when the
// process last stopped. Windows that lapsed while down are closed right away.
func (e Engine) ResumeBiddingTimers(ctx context.Context) error {
	open, err := e.Repo.ListMissions(ctx, repo.MissionFilters{Status: domain.MissionBiddingOpen})
	if err != nil {
		return err
	}
	for _, m := range open {
		if m.BiddingEndsAt == nil {
			continue
		}
		ends, err := time.Parse(time.RFC3339, *m.BiddingEndsAt)
		if err != nil {
			log.Printf("mission %s has unparseable bidding_ends_at %q: %v", m.ID, *m.BiddingEndsAt, err)
			continue
		}
		if remaining := ends.Sub(e.now().UTC()); remaining > 0 {
			e.scheduleBiddingClose(m.ID, remaining)
			continue
		}
		if _, err := e.CloseBidding(ctx, m.ID, "system"); err != nil {
			return fmt.Errorf("close overdue bidding for mission %s: %w", m.ID, err)
		}
	}
	return nil
}

// BidOptions are parameters for submitting a sealed bid.
type BidOptions struct {
	MissionID   string
	AgentID     string
	Price       int64
	ETAMinutes  int
	BondOffered int64
	Message     string
}

// SubmitBid records one sealed bid for an open auction.
func (e Engine) SubmitBid(ctx context.Context, opts BidOptions) (domain.Bid, error) {
	unlock := e.locks.lock(opts.MissionID)
	defer unlock()

	m, err := e.getMission(ctx, opts.MissionID)
	if err != nil {
		return domain.Bid{}, err
	}
	if m.Status != domain.MissionBiddingOpen {
		return domain.Bid{}, coded(CodeBiddingClosed, "mission %s is not accepting bids (status %s)", m.ID, m.Status)
	}
	if m.BiddingEndsAt != nil {
		if ends, err := time.Parse(time.RFC3339, *m.BiddingEndsAt); err == nil && !e.now().UTC().Before(ends) {
			return domain.Bid{}, coded(CodeBiddingClosed, "bidding window for mission %s has ended", m.ID)
		}
	}
	if opts.Price <= 0 || opts.Price > m.Reward {
		return domain.Bid{}, coded(CodeInvalidInput, "bid price must be in (0,%d], got %d", m.Reward, opts.Price)
	}
	if opts.ETAMinutes <= 0 {
		return domain.Bid{}, coded(CodeInvalidInput, "eta must be positive, got %d", opts.ETAMinutes)
	}
	if opts.BondOffered < 0 {
		return domain.Bid{}, coded(CodeInvalidInput, "bond offered must not be negative")
	}
	agent, err := e.Repo.GetAgent(ctx, opts.AgentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Bid{}, coded(CodeAgentNotFound, "agent %s is not registered", opts.AgentID)
		}
		return domain.Bid{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bid{}, err
	}
	defer tx.Rollback()

	if reason := e.ineligibleReason(ctx, tx, agent, m, false); reason != "" {
		return domain.Bid{}, coded(CodeNoEligibleAgents, "agent %s cannot bid: %s", agent.ID, reason)
	}
	if _, err := e.Repo.GetBidByAgent(ctx, tx, m.ID, agent.ID); err == nil {
		return domain.Bid{}, coded(CodeDuplicateBid, "agent %s already bid on mission %s", agent.ID, m.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Bid{}, err
	}

	now := e.nowRFC()
	b := domain.Bid{
		ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte("bid|"+m.ID+"|"+agent.ID)).String(),
		MissionID:   m.ID,
		AgentID:     agent.ID,
		Price:       opts.Price,
		ETAMinutes:  opts.ETAMinutes,
		BondOffered: opts.BondOffered,
		Message:     opts.Message,
		SubmittedAt: now,
	}
	if err := e.Repo.InsertBid(ctx, tx, b); err != nil {
		return domain.Bid{}, fmt.Errorf("insert bid: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "bid.submitted", m.ID, "bid", b.ID, agent.ID, events.EventPayload{
		"price": b.Price, "eta_minutes": b.ETAMinutes, "bond_offered": b.BondOffered,
	}); err != nil {
		return domain.Bid{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bid{}, err
	}
	return b, nil
}

type bidScore struct {
	Bid   domain.Bid
	Price float64
	ETA   float64
	Bond  float64
	Final float64
}

// CloseBidding tallies the sealed auction. It is idempotent: the timer and a
// manual close race safely, and the second caller observes the already
// decided mission.
func (e Engine) CloseBidding(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	unlock := e.locks.lock(missionID)
	defer unlock()

	m, err := e.getMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.MissionBiddingOpen {
		if m.BiddingClosedAt != nil {
			return m, nil
		}
		return domain.Mission{}, coded(CodeInvalidStatus, "mission %s is %s, bidding never opened", missionID, m.Status)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC()
	if err := e.Repo.UpdateMission(ctx, tx, m.ID, repo.MissionUpdate{
		BiddingClosedAt: &now,
		UpdatedAt:       now,
	}); err != nil {
		return domain.Mission{}, err
	}

	bids, err := e.Repo.ListBids(ctx, tx, m.ID)
	if err != nil {
		return domain.Mission{}, err
	}
	var wantStatus string
	if len(bids) == 0 {
		wantStatus, err = e.failMission(ctx, tx, &m, "no bids received before the window closed", actorID, nil)
		if err != nil {
			return domain.Mission{}, err
		}
	} else {
		scored := e.scoreBids(m, bids)
		if len(scored) >= 2 && scored[0].Final == scored[1].Final {
			reason := fmt.Sprintf("bid score tie between %s and %s at %.6f", scored[0].Bid.AgentID, scored[1].Bid.AgentID, scored[0].Final)
			wantStatus, err = e.failMission(ctx, tx, &m, reason, actorID, nil)
			if err != nil {
				return domain.Mission{}, err
			}
		} else {
			win := scored[0].Bid
			if err := e.Repo.UpdateMission(ctx, tx, m.ID, repo.MissionUpdate{AcceptedBidID: &win.ID, UpdatedAt: now}); err != nil {
				return domain.Mission{}, err
			}
			if err := e.Events.Append(ctx, tx, "bidding.closed", m.ID, "bid", win.ID, actorID, events.EventPayload{
				"bids": len(bids), "winning_price": win.Price,
			}); err != nil {
				return domain.Mission{}, err
			}
			wantStatus, err = e.assignWinner(ctx, tx, &m, win.AgentID, "bidding", nil, actorID)
			if err != nil {
				return domain.Mission{}, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return e.verifyMissionStatus(ctx, m.ID, wantStatus)
}

// scoreBids ranks sealed bids: cheaper, faster, better-bonded. Ties beyond
// the top two break on agent id only for a stable listing order.
func (e Engine) scoreBids(m domain.Mission, bids []domain.Bid) []bidScore {
	cfg := e.Config.Bidding
	ceiling := float64(cfg.ETACeilingMinutes)
	bondCap := float64(m.Reward) * cfg.BondCapPct
	scored := make([]bidScore, 0, len(bids))
	for _, b := range bids {
		s := bidScore{Bid: b}
		s.Price = clamp01(1 - float64(b.Price)/float64(m.Reward))
		eta := float64(b.ETAMinutes)
		if eta > ceiling {
			eta = ceiling
		}
		s.ETA = clamp01(1 - eta/ceiling)
		if bondCap > 0 {
			bond := float64(b.BondOffered)
			if bond > bondCap {
				bond = bondCap
			}
			s.Bond = clamp01(bond / bondCap)
		}
		s.Final = cfg.Weights.Price*s.Price + cfg.Weights.ETA*s.ETA + cfg.Weights.Bond*s.Bond
		scored = append(scored, s)
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Final != scored[j].Final {
			return scored[i].Final > scored[j].Final
		}
		return scored[i].Bid.AgentID < scored[j].Bid.AgentID
	})
	return scored
}
