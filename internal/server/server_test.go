package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"deskline/internal/config"
	"deskline/internal/db"
	"deskline/internal/domain"
	"deskline/internal/engine"
	"deskline/internal/migrate"
	"deskline/internal/repo"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// mintKey stores a hashed API key for the agent and returns the plaintext.
func mintKey(t *testing.T, e engine.Engine, agentID string) string {
	t.Helper()
	plaintext := uuid.New().String()
	ctx := context.Background()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureAgent(ctx, tx, agentID); err != nil {
		t.Fatalf("ensure agent: %v", err)
	}
	key := domain.APIKey{ID: uuid.New().String(), AgentID: agentID, KeyHash: repo.HashAPIKey(plaintext)}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return plaintext
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return now }
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errCode(t *testing.T, data []byte) string {
	t.Helper()
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope %s: %v", data, err)
	}
	return env.Error.Code
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	res, _ := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/queue", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, data)
	}
	if code := errCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", code)
	}
	res, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/queue", nil, map[string]string{"X-Api-Key": "bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bogus key, got %d", res.StatusCode)
	}
}

func TestJWTBearerAuth(t *testing.T) {
	ts := newTestServer(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "agent-jwt"}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/sessions", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d: %s", res.StatusCode, data)
	}
}

func TestSessionClaimOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	key1 := mintKey(t, ts.Engine, "agent-1")
	key2 := mintKey(t, ts.Engine, "agent-2")
	auth1 := map[string]string{"X-Api-Key": key1}
	auth2 := map[string]string{"X-Api-Key": key2}

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/sessions", map[string]any{
		"channel":       "web",
		"customer_name": "Ada",
		"first_message": "hi",
	}, auth1)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open session: %d: %s", res.StatusCode, data)
	}
	if etag := res.Header.Get("ETag"); etag != "1" {
		t.Fatalf("expected ETag 1, got %q", etag)
	}
	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	res, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/sessions/"+s.ID+"/escalate", map[string]any{"reason": "bot_stuck"}, auth1)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("escalate: %d: %s", res.StatusCode, data)
	}
	if etag := res.Header.Get("ETag"); etag != "2" {
		t.Fatalf("expected ETag 2 after escalate, got %q", etag)
	}

	res, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/sessions/"+s.ID+"/claim", nil, auth1)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d: %s", res.StatusCode, data)
	}
	var claimed domain.Session
	if err := json.Unmarshal(data, &claimed); err != nil {
		t.Fatal(err)
	}
	if claimed.AssigneeID == nil || *claimed.AssigneeID != "agent-1" {
		t.Fatalf("assignee should be the caller, got %v", claimed.AssigneeID)
	}

	// the loser gets the dedicated conflict code
	res, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/sessions/"+s.ID+"/claim", nil, auth2)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second claim: expected 409, got %d: %s", res.StatusCode, data)
	}
	if code := errCode(t, data); code != "already_claimed" {
		t.Fatalf("expected already_claimed, got %s", code)
	}
}

func TestIfMatchVersionGuard(t *testing.T) {
	ts := newTestServer(t)
	key := mintKey(t, ts.Engine, "agent-1")
	auth := map[string]string{"X-Api-Key": key}

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/tickets", map[string]any{"title": "broken widget"}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create ticket: %d: %s", res.StatusCode, data)
	}
	var tk domain.Ticket
	if err := json.Unmarshal(data, &tk); err != nil {
		t.Fatal(err)
	}

	stale := map[string]string{"X-Api-Key": key, "If-Match": "9"}
	res, data = doJSON(t, ts.Client(), http.MethodPatch, ts.URL+"/v0/tickets/"+tk.ID, map[string]any{"status": "in_progress"}, stale)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale If-Match: expected 409, got %d: %s", res.StatusCode, data)
	}
	if code := errCode(t, data); code != "conflict" {
		t.Fatalf("expected conflict code, got %s", code)
	}

	fresh := map[string]string{"X-Api-Key": key, "If-Match": `"1"`}
	res, data = doJSON(t, ts.Client(), http.MethodPatch, ts.URL+"/v0/tickets/"+tk.ID, map[string]any{"status": "in_progress"}, fresh)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("matching If-Match: expected 200, got %d: %s", res.StatusCode, data)
	}
	if etag := res.Header.Get("ETag"); etag != "2" {
		t.Fatalf("expected ETag 2, got %q", etag)
	}
}

func TestBatchCloseOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	key := mintKey(t, ts.Engine, "agent-1")
	auth := map[string]string{"X-Api-Key": key}

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/tickets", map[string]any{"title": "one"}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d: %s", res.StatusCode, data)
	}
	var tk domain.Ticket
	if err := json.Unmarshal(data, &tk); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/tickets/batch/close", map[string]any{
		"ticket_ids": []string{tk.ID, "missing"},
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("batch close: %d: %s", res.StatusCode, data)
	}
	var results []engine.BatchResult
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results[0].OK {
		t.Fatalf("first ticket should close: %+v", results[0])
	}
	if results[1].OK || results[1].Code != "not_found" {
		t.Fatalf("missing ticket should report not_found: %+v", results[1])
	}
}

func TestInvalidTransitionEnvelope(t *testing.T) {
	ts := newTestServer(t)
	key := mintKey(t, ts.Engine, "agent-1")
	auth := map[string]string{"X-Api-Key": key}

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/tickets", map[string]any{"title": "one"}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d: %s", res.StatusCode, data)
	}
	var tk domain.Ticket
	if err := json.Unmarshal(data, &tk); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/tickets/"+tk.ID+"/archive", nil, auth)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("archive pending: expected 409, got %d: %s", res.StatusCode, data)
	}
	if code := errCode(t, data); code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	key := mintKey(t, ts.Engine, "agent-1")
	auth := map[string]string{"X-Api-Key": key}

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/sessions", map[string]any{"channel": "im"}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open: %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/events?after=0", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d: %s", res.StatusCode, data)
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected at least the session.opened event")
	}
	found := false
	for _, evt := range events {
		if evt.Type == "session.opened" {
			found = true
		}
	}
	if !found {
		t.Fatalf("session.opened missing from %v", events)
	}
}
