package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"deskline/internal/config"
	"deskline/internal/db"
	"deskline/internal/domain"
	"deskline/internal/engine"
	"deskline/internal/migrate"
	"deskline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	return testEnv{Engine: eng, Ctx: context.Background(), now: &now}
}

func (env testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func openSession(t *testing.T, env testEnv, tags ...string) domain.Session {
	t.Helper()
	s, err := env.Engine.OpenSession(env.Ctx, engine.OpenSessionOptions{
		Channel:      "web",
		CustomerName: "Ada",
		Tags:         tags,
		FirstMessage: "hello",
		ActorID:      "customer-1",
	})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return s
}

func escalate(t *testing.T, env testEnv, id string) domain.Session {
	t.Helper()
	s, err := env.Engine.Escalate(env.Ctx, id, "bot_stuck", "", "bot", 0)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	return s
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	s := openSession(t, env)
	if s.Status != domain.SessionBotActive {
		t.Fatalf("expected bot_active, got %s", s.Status)
	}

	s = escalate(t, env, s.ID)
	if s.Status != domain.SessionPendingManual {
		t.Fatalf("expected pending_manual, got %s", s.Status)
	}
	queue, err := env.Engine.Queue(env.Ctx)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queue) != 1 || queue[0].SessionID != s.ID {
		t.Fatalf("expected session in queue, got %+v", queue)
	}

	s, err = env.Engine.Claim(env.Ctx, s.ID, "agent-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if s.Status != domain.SessionManualLive {
		t.Fatalf("expected manual_live, got %s", s.Status)
	}
	if s.AssigneeID == nil || *s.AssigneeID != "agent-1" {
		t.Fatalf("expected assignee agent-1, got %v", s.AssigneeID)
	}
	queue, _ = env.Engine.Queue(env.Ctx)
	if len(queue) != 0 {
		t.Fatalf("queue should be empty after claim, got %+v", queue)
	}

	s, err = env.Engine.CloseSession(env.Ctx, s.ID, "agent-1", 0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.Status != domain.SessionClosed || s.ClosedAt == nil {
		t.Fatalf("expected closed with closed_at, got %+v", s)
	}
	if s.AssigneeID != nil {
		t.Fatalf("closed session must not keep an assignee")
	}

	// closed is terminal
	if _, err := env.Engine.CloseSession(env.Ctx, s.ID, "agent-1", 0); err == nil {
		t.Fatalf("expected transition error closing twice")
	}
	if _, err := env.Engine.SendMessage(env.Ctx, s.ID, domain.RoleAgent, "agent-1", "late"); !errors.Is(err, engine.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	// tagging stays legal on closed sessions
	if _, err := env.Engine.TagSession(env.Ctx, s.ID, []string{"refund"}, "agent-1", 0); err != nil {
		t.Fatalf("tag closed session: %v", err)
	}
}

func TestAssigneeImpliesManualLive(t *testing.T) {
	env := newTestEnv(t)
	s := openSession(t, env)
	if s.AssigneeID != nil {
		t.Fatalf("bot_active session must have no assignee")
	}
	escalate(t, env, s.ID)
	s, _ = env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if s.AssigneeID != nil {
		t.Fatalf("pending_manual session must have no assignee")
	}
	s, err := env.Engine.Claim(env.Ctx, s.ID, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != domain.SessionManualLive || s.AssigneeID == nil {
		t.Fatalf("manual_live must carry the assignee, got %+v", s)
	}
	s, err = env.Engine.Release(env.Ctx, s.ID, "agent-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if s.AssigneeID != nil {
		t.Fatalf("released session must drop the assignee")
	}
}

func TestEscalateIdempotentSameReason(t *testing.T) {
	env := newTestEnv(t)
	s := openSession(t, env)
	escalate(t, env, s.ID)

	// same reason retries silently
	if _, err := env.Engine.Escalate(env.Ctx, s.ID, "bot_stuck", "", "bot", 0); err != nil {
		t.Fatalf("re-escalate same reason: %v", err)
	}
	queue, _ := env.Engine.Queue(env.Ctx)
	if len(queue) != 1 {
		t.Fatalf("expected single queue entry, got %d", len(queue))
	}

	// different reason conflicts
	var te engine.TransitionError
	if _, err := env.Engine.Escalate(env.Ctx, s.ID, "customer_request", "", "bot", 0); !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}
}

func TestEscalateRequiresBotActive(t *testing.T) {
	env := newTestEnv(t)
	s := openSession(t, env)
	escalate(t, env, s.ID)
	if _, err := env.Engine.Claim(env.Ctx, s.ID, "agent-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Escalate(env.Ctx, s.ID, "again", "", "bot", 0); err == nil {
		t.Fatalf("expected escalation of a live session to fail")
	}
}

func TestClaimExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	s := openSession(t, env)
	escalate(t, env, s.ID)

	const agents = 5
	var wg sync.WaitGroup
	errs := make([]error, agents)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent := string(rune('a' + i))
			_, errs[i] = env.Engine.Claim(env.Ctx, s.ID, "agent-"+agent)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, engine.ErrAlreadyClaimed):
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	got, _ := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if got.Status != domain.SessionManualLive || got.AssigneeID == nil {
		t.Fatalf("session not live after claim race: %+v", got)
	}
}

func TestClaimUnqueuedSession(t *testing.T) {
	env := newTestEnv(t)
	s := openSession(t, env)
	if _, err := env.Engine.Claim(env.Ctx, s.ID, "agent-1"); !errors.Is(err, engine.ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed for unqueued session, got %v", err)
	}
}

func TestReleasePreservesQueuePosition(t *testing.T) {
	env := newTestEnv(t)
	s := openSession(t, env)
	escalate(t, env, s.ID)
	escalatedAt := *mustSession(t, env, s.ID).EscalatedAt

	env.advance(30 * time.Minute)
	if _, err := env.Engine.Claim(env.Ctx, s.ID, "agent-1"); err != nil {
		t.Fatal(err)
	}
	env.advance(10 * time.Minute)
	if _, err := env.Engine.Release(env.Ctx, s.ID, "agent-1", 0); err != nil {
		t.Fatal(err)
	}

	entry, err := env.Engine.Repo.GetQueueEntry(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("queue entry after release: %v", err)
	}
	if entry.EnqueuedAt != escalatedAt {
		t.Fatalf("release must keep the original enqueue time: got %s want %s", entry.EnqueuedAt, escalatedAt)
	}
}

func TestReleaseOnlyByAssignee(t *testing.T) {
	env := newTestEnv(t)
	s := openSession(t, env)
	escalate(t, env, s.ID)
	if _, err := env.Engine.Claim(env.Ctx, s.ID, "agent-1"); err != nil {
		t.Fatal(err)
	}
	var fe engine.ForbiddenError
	if _, err := env.Engine.Release(env.Ctx, s.ID, "agent-2", 0); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden error, got %v", err)
	}
}

func TestCloseQueuedSessionPurgesEntry(t *testing.T) {
	env := newTestEnv(t)
	s := openSession(t, env)
	escalate(t, env, s.ID)
	if _, err := env.Engine.CloseSession(env.Ctx, s.ID, "agent-1", 0); err != nil {
		t.Fatal(err)
	}
	queue, err := env.Engine.Queue(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 0 {
		t.Fatalf("queue should be empty after closing a queued session, got %+v", queue)
	}
	if _, err := env.Engine.Claim(env.Ctx, s.ID, "agent-1"); !errors.Is(err, engine.ErrAlreadyClaimed) {
		t.Fatalf("expected claim on closed session to fail, got %v", err)
	}
}

func TestQueueVIPOrdering(t *testing.T) {
	env := newTestEnv(t)
	normal := openSession(t, env)
	escalate(t, env, normal.ID)

	env.advance(time.Minute)
	vip := openSession(t, env, "vip")
	escalate(t, env, vip.ID)

	queue, err := env.Engine.Queue(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(queue))
	}
	if queue[0].SessionID != vip.ID || queue[0].PriorityHint != domain.QueueHintVIP {
		t.Fatalf("vip session should be first despite later enqueue: %+v", queue)
	}
	if queue[1].SessionID != normal.ID {
		t.Fatalf("normal session should be second: %+v", queue)
	}
}

func TestSessionVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	s := openSession(t, env)
	var ce engine.ConflictError
	if _, err := env.Engine.Escalate(env.Ctx, s.ID, "bot_stuck", "", "bot", s.Version+1); !errors.As(err, &ce) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	// matching version passes and bumps
	s2, err := env.Engine.Escalate(env.Ctx, s.ID, "bot_stuck", "", "bot", s.Version)
	if err != nil {
		t.Fatal(err)
	}
	if s2.Version != s.Version+1 {
		t.Fatalf("expected version bump, got %d", s2.Version)
	}
}

func TestStaleSessionWriteIsConflictNotMissing(t *testing.T) {
	env := newTestEnv(t)
	s := openSession(t, env)

	stale, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	// a concurrent writer bumps the version after the read
	if _, err := env.Engine.TagSession(env.Ctx, s.ID, []string{"vip"}, "agent-1", 0); err != nil {
		t.Fatal(err)
	}
	err = env.Engine.Repo.UpdateSession(env.Ctx, nil, stale)
	if !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("stale write on a live row must report a conflict, got %v", err)
	}
	stale.ID = "no-such-session"
	err = env.Engine.Repo.UpdateSession(env.Ctx, nil, stale)
	if !engine.IsNotFound(err) {
		t.Fatalf("missing id must stay not-found, got %v", err)
	}
}

func mustSession(t *testing.T, env testEnv, id string) domain.Session {
	t.Helper()
	s, err := env.Engine.Repo.GetSession(env.Ctx, id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return s
}
