package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/engine"
	"missionline/internal/migrate"
	"missionline/internal/server"
)

type apiTest struct {
	t      *testing.T
	srv    *httptest.Server
	client *http.Client
	token  string
}

func newAPITest(t *testing.T) *apiTest {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("mkt-1"))
	eng.Now = func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }
	handler, err := server.New(server.Config{
		Engine: eng,
		Auth:   server.AuthConfig{JWTSecret: "test-secret"},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &apiTest{t: t, srv: srv, client: srv.Client()}
}

func (a *apiTest) request(method, path string, body any) *http.Response {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	if err != nil {
		a.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (a *apiTest) decode(resp *http.Response, out any) {
	a.t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		a.t.Fatalf("decode: %v", err)
	}
}

// errorCode reads the {"error":{"code":...}} envelope.
func (a *apiTest) errorCode(resp *http.Response) string {
	a.t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	a.decode(resp, &envelope)
	return envelope.Error.Code
}

func (a *apiTest) login(actorID string, roles ...string) {
	a.t.Helper()
	resp := a.request(http.MethodPost, "/v0/auth/dev/login", map[string]any{
		"actor_id": actorID,
		"roles":    roles,
	})
	if resp.StatusCode != http.StatusOK {
		a.t.Fatalf("dev login: status %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	a.decode(resp, &body)
	if body.Token == "" {
		a.t.Fatalf("empty token")
	}
	a.token = body.Token
}

func TestHealthIsOpen(t *testing.T) {
	a := newAPITest(t)
	resp := a.request(http.MethodGet, "/v0/health", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d", resp.StatusCode)
	}
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	a := newAPITest(t)
	resp := a.request(http.MethodGet, "/v0/missions", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestMissionLifecycleOverHTTP(t *testing.T) {
	a := newAPITest(t)
	a.login("root", "admin")

	resp := a.request(http.MethodPost, "/v0/agents", map[string]any{
		"id": "req", "role": "requester",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = a.request(http.MethodPost, "/v0/agents/req/mint", map[string]any{"amount": 10_000})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mint: status %d", resp.StatusCode)
	}
	var bal struct {
		Available int64 `json:"available"`
	}
	a.decode(resp, &bal)
	if bal.Available != 10_000 {
		t.Fatalf("available=%d", bal.Available)
	}

	// the requester cannot cover this reward
	a.login("req")
	resp = a.request(http.MethodPost, "/v0/missions", map[string]any{
		"title":       "expensive work",
		"reward":      20_000,
		"specialties": []string{"go"},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	if code := a.errorCode(resp); code != "INSUFFICIENT_BALANCE" {
		t.Fatalf("code=%q", code)
	}
}

func TestGetUnknownMission(t *testing.T) {
	a := newAPITest(t)
	a.login("root", "admin")
	resp := a.request(http.MethodGet, "/v0/missions/no-such-mission", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if code := a.errorCode(resp); code != "MISSION_NOT_FOUND" {
		t.Fatalf("code=%q", code)
	}
}

func TestMintRequiresAdmin(t *testing.T) {
	a := newAPITest(t)
	a.login("someone") // no roles, no agent row

	resp := a.request(http.MethodPost, "/v0/agents", map[string]any{
		"id": "someone", "role": "worker", "specialties": []string{"go"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = a.request(http.MethodPost, "/v0/agents/someone/mint", map[string]any{"amount": 500})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestWhoAmI(t *testing.T) {
	a := newAPITest(t)
	a.login("agent-7", "worker")
	resp := a.request(http.MethodGet, "/v0/me", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: status %d", resp.StatusCode)
	}
	var me struct {
		ActorID string   `json:"actor_id"`
		Roles   []string `json:"roles"`
	}
	a.decode(resp, &me)
	if me.ActorID != "agent-7" {
		t.Fatalf("actor=%q", me.ActorID)
	}
	if fmt.Sprint(me.Roles) != "[worker]" {
		t.Fatalf("roles=%v", me.Roles)
	}
}
