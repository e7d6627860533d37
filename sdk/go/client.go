package missionlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Missionline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Mission represents the API mission model (partial).
type Mission struct {
	ID              string   `json:"id"`
	RequesterID     string   `json:"requester_id"`
	Title           string   `json:"title"`
	Reward          int64    `json:"reward"`
	Specialties     []string `json:"specialties"`
	Status          string   `json:"status"`
	AssignmentMode  string   `json:"assignment_mode"`
	AssignedAgentID *string  `json:"assigned_agent_id,omitempty"`
	BiddingEndsAt   *string  `json:"bidding_ends_at,omitempty"`
	FailureReason   *string  `json:"failure_reason,omitempty"`
}

// Bid represents a sealed bid.
type Bid struct {
	ID          string `json:"id"`
	MissionID   string `json:"mission_id"`
	AgentID     string `json:"agent_id"`
	Price       int64  `json:"price"`
	ETAMinutes  int    `json:"eta_minutes"`
	BondOffered int64  `json:"bond_offered"`
	SubmittedAt string `json:"submitted_at"`
}

// Settlement is the distribution receipt for a settled mission.
type Settlement struct {
	ID              string `json:"id"`
	MissionID       string `json:"mission_id"`
	Outcome         string `json:"outcome"`
	WorkerPayout    int64  `json:"worker_payout"`
	ProtocolFee     int64  `json:"protocol_fee"`
	Refund          int64  `json:"refund"`
	SlashedBond     int64  `json:"slashed_bond"`
	TreasuryShare   int64  `json:"treasury_share"`
	VerifierShare   int64  `json:"verifier_share"`
	ReputationDelta int    `json:"reputation_delta"`
	SettledAt       string `json:"settled_at"`
}

// Vote represents a verifier's vote.
type Vote struct {
	ID         string `json:"id"`
	MissionID  string `json:"mission_id"`
	VerifierID string `json:"verifier_id"`
	Vote       string `json:"vote"`
	CastAt     string `json:"cast_at"`
}

// DispatchTask is a queued notification for an agent.
type DispatchTask struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id"`
	Type        string `json:"type"`
	PayloadJSON string `json:"payload_json,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	MissionID string `json:"mission_id,omitempty"`
	EntityID  string `json:"entity_id,omitempty"`
	ActorID   string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateMissionInput are parameters for PostMission.
type CreateMissionInput struct {
	ID             string   `json:"id,omitempty"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Reward         int64    `json:"reward"`
	Specialties    []string `json:"specialties"`
	DeadlineAt     string   `json:"deadline_at,omitempty"`
	TimeoutMinutes int      `json:"timeout_minutes,omitempty"`
	Mode           string   `json:"mode,omitempty"`
	HireAgentID    string   `json:"hire_agent_id,omitempty"`
}

// PostMission creates a mission; the reward is escrowed immediately.
func (c *Client) PostMission(ctx context.Context, in CreateMissionInput) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, "v0/missions", in, &resp)
	return resp, err
}

// GetMission fetches a mission by id.
func (c *Client) GetMission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, c.missionPath(id, ""), nil, &resp)
	return resp, err
}

// SubmitBid submits a sealed bid during the bidding window.
func (c *Client) SubmitBid(ctx context.Context, missionID string, price int64, etaMinutes int, bondOffered int64) (Bid, error) {
	body := map[string]any{
		"price":        price,
		"eta_minutes":  etaMinutes,
		"bond_offered": bondOffered,
	}
	var resp Bid
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "bids"), body, &resp)
	return resp, err
}

// StartMission begins execution; the caller's worker bond is staked.
func (c *Client) StartMission(ctx context.Context, missionID string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "start"), nil, &resp)
	return resp, err
}

// SubmitWork submits the deliverable and moves the mission to verification.
func (c *Client) SubmitWork(ctx context.Context, missionID, submission string) (Mission, error) {
	body := map[string]any{"submission": submission}
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "submit"), body, &resp)
	return resp, err
}

// StakeVerifierBond joins verification as a staked verifier.
func (c *Client) StakeVerifierBond(ctx context.Context, missionID string) error {
	return c.do(ctx, http.MethodPost, c.missionPath(missionID, "verifier-bond"), nil, nil)
}

// CastVote casts an approve/reject vote on the submitted work.
func (c *Client) CastVote(ctx context.Context, missionID, vote, comment string) (Vote, error) {
	body := map[string]any{"vote": vote, "comment": comment}
	var resp Vote
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "votes"), body, &resp)
	return resp, err
}

// SettleMission tallies votes and distributes escrow and bonds.
func (c *Client) SettleMission(ctx context.Context, missionID string) (Settlement, error) {
	var resp Settlement
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "settle"), nil, &resp)
	return resp, err
}

// Settlement fetches the settlement receipt for a mission.
func (c *Client) Settlement(ctx context.Context, missionID string) (Settlement, error) {
	var resp Settlement
	err := c.do(ctx, http.MethodGet, c.missionPath(missionID, "settlement"), nil, &resp)
	return resp, err
}

// PollDispatch returns queued notifications for the authenticated agent.
func (c *Client) PollDispatch(ctx context.Context, limit int) ([]DispatchTask, error) {
	endpoint := "v0/dispatch"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []DispatchTask
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AckDispatch acknowledges a notification.
func (c *Client) AckDispatch(ctx context.Context, taskID string) error {
	endpoint := fmt.Sprintf("v0/dispatch/%s/ack", url.PathEscape(taskID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// Events returns recent events, optionally filtered to one mission.
func (c *Client) Events(ctx context.Context, missionID string, limit int) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if missionID != "" {
		params.Set("mission_id", missionID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) missionPath(missionID, sub string) string {
	p := fmt.Sprintf("v0/missions/%s", url.PathEscape(missionID))
	if sub != "" {
		p += "/" + strings.TrimLeft(sub, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
