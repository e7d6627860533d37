package server

import (
	"missionline/internal/domain"
)

// Request payloads

type CreateMissionRequest struct {
	ID             *string  `json:"id,omitempty"`
	Title          string   `json:"title"`
	Description    *string  `json:"description,omitempty"`
	Reward         int64    `json:"reward"`
	Specialties    []string `json:"specialties"`
	Requirements   []string `json:"requirements,omitempty"`
	Deliverables   []string `json:"deliverables,omitempty"`
	DeadlineAt     *string  `json:"deadline_at,omitempty" format:"date-time"`
	TimeoutMinutes *int     `json:"timeout_minutes,omitempty"`
	Mode           *string  `json:"mode,omitempty" enum:"autopilot,bidding,direct_hire"`
	HireAgentID    *string  `json:"hire_agent_id,omitempty"`
}

type SubmitBidRequest struct {
	Price       int64  `json:"price"`
	ETAMinutes  int    `json:"eta_minutes"`
	BondOffered int64  `json:"bond_offered,omitempty"`
	Message     string `json:"message,omitempty"`
}

type SubmitWorkRequest struct {
	Submission    string `json:"submission"`
	ArtifactsJSON string `json:"artifacts_json,omitempty"`
}

type CastVoteRequest struct {
	Vote    string `json:"vote" enum:"approve,reject"`
	Comment string `json:"comment,omitempty"`
}

type RegisterAgentRequest struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	Role          string   `json:"role,omitempty" enum:"worker,verifier,requester,admin"`
	Specialties   []string `json:"specialties,omitempty"`
	HourlyRate    int64    `json:"hourly_rate,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
}

type UpdateAgentRequest struct {
	Name          *string  `json:"name,omitempty"`
	Specialties   []string `json:"specialties,omitempty"`
	HourlyRate    *int64   `json:"hourly_rate,omitempty"`
	Available     *bool    `json:"available,omitempty"`
	Suspended     *bool    `json:"suspended,omitempty"`
	MaxConcurrent *int     `json:"max_concurrent,omitempty"`
}

type MintRequest struct {
	Amount int64 `json:"amount"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source,omitempty"`
}

type BalanceResponse struct {
	AgentID   string `json:"agent_id"`
	Available int64  `json:"available"`
}

// Mappers — domain structs already carry API-ready tags, so responses reuse
// them directly; only nil slices need flattening for stable JSON.

func mapMission(m domain.Mission) domain.Mission {
	m.Specialties = nonNilSlice(m.Specialties)
	m.Requirements = nonNilSlice(m.Requirements)
	m.Deliverables = nonNilSlice(m.Deliverables)
	return m
}

func mapMissions(items []domain.Mission) []domain.Mission {
	out := make([]domain.Mission, 0, len(items))
	for _, m := range items {
		out = append(out, mapMission(m))
	}
	return out
}

func mapAgent(a domain.Agent) domain.Agent {
	a.Specialties = nonNilSlice(a.Specialties)
	return a
}

func mapAgents(items []domain.Agent) []domain.Agent {
	out := make([]domain.Agent, 0, len(items))
	for _, a := range items {
		out = append(out, mapAgent(a))
	}
	return out
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
