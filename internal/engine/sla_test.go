package engine_test

import (
	"sync"
	"testing"
	"time"

	"deskline/internal/domain"
	"deskline/internal/engine"
)

func ticketSLA(t *testing.T, env testEnv, id string) engine.SLAStatus {
	t.Helper()
	s, err := env.Engine.TicketSLA(env.Ctx, id)
	if err != nil {
		t.Fatalf("ticket sla: %v", err)
	}
	return s
}

func TestTicketSLACountdown(t *testing.T) {
	env := newTestEnv(t)
	tk := createTicket(t, env, domain.PriorityUrgent) // 2h window

	env.advance(time.Hour + 59*time.Minute)
	s := ticketSLA(t, env, tk.ID)
	if s.Overdue {
		t.Fatalf("one minute left must not be overdue")
	}
	if s.RemainingS != 60 {
		t.Fatalf("expected 60s remaining, got %d", s.RemainingS)
	}

	env.advance(2 * time.Minute)
	s = ticketSLA(t, env, tk.ID)
	if !s.Overdue {
		t.Fatalf("past deadline must be overdue")
	}
	if s.RemainingS != 0 {
		t.Fatalf("overdue remaining clamps to zero, got %d", s.RemainingS)
	}
}

func TestTicketSLAOverdueAtExactDeadline(t *testing.T) {
	env := newTestEnv(t)
	tk := createTicket(t, env, domain.PriorityUrgent)

	env.advance(2 * time.Hour)
	s := ticketSLA(t, env, tk.ID)
	if !s.Overdue {
		t.Fatalf("the deadline instant itself counts as missed")
	}
	if s.RemainingS != 0 {
		t.Fatalf("remaining clamps to zero at the deadline, got %d", s.RemainingS)
	}
}

func TestTicketSLAFreezeOnResolve(t *testing.T) {
	env := newTestEnv(t)
	tk := createTicket(t, env, domain.PriorityUrgent)
	setStatus(t, env, tk.ID, domain.TicketInProgress)

	env.advance(time.Hour)
	setStatus(t, env, tk.ID, domain.TicketResolved)

	// long after the nominal deadline the frozen clock still shows 1h left
	env.advance(50 * time.Hour)
	s := ticketSLA(t, env, tk.ID)
	if !s.Frozen {
		t.Fatalf("resolved ticket must report a frozen SLA")
	}
	if s.Overdue {
		t.Fatalf("frozen before the deadline must never turn overdue")
	}
	if s.RemainingS != 3600 {
		t.Fatalf("expected 3600s remaining at the freeze point, got %d", s.RemainingS)
	}
}

func TestReopenRearmsSLA(t *testing.T) {
	env := newTestEnv(t)
	tk := createTicket(t, env, domain.PriorityUrgent)
	setStatus(t, env, tk.ID, domain.TicketInProgress)
	env.advance(time.Hour)
	setStatus(t, env, tk.ID, domain.TicketResolved)

	env.advance(10 * time.Hour)
	if _, err := env.Engine.ReopenTicket(env.Ctx, tk.ID, "agent-1", 0); err != nil {
		t.Fatal(err)
	}
	s := ticketSLA(t, env, tk.ID)
	if s.Frozen {
		t.Fatalf("reopen must unfreeze the SLA")
	}
	if !s.Overdue {
		t.Fatalf("reopened past the deadline must be overdue")
	}
}

func TestBreachEvidenceIsAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	tk := createTicket(t, env, domain.PriorityUrgent)

	env.advance(3 * time.Hour)
	first := ticketSLA(t, env, tk.ID)
	if !first.Overdue {
		t.Fatalf("expected overdue")
	}
	// re-evaluating records no duplicate
	ticketSLA(t, env, tk.ID)
	breaches, err := env.Engine.Repo.ListSLABreaches(env.Ctx, "ticket", tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(breaches) != 1 {
		t.Fatalf("expected one breach row, got %d", len(breaches))
	}

	// lowering the priority moves the deadline but keeps old evidence
	if _, err := env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{ID: tk.ID, Priority: domain.PriorityLow, ActorID: "agent-1"}); err != nil {
		t.Fatal(err)
	}
	s := ticketSLA(t, env, tk.ID)
	if s.Overdue {
		t.Fatalf("low priority gives 72h, should not be overdue at +3h")
	}
	breaches, _ = env.Engine.Repo.ListSLABreaches(env.Ctx, "ticket", tk.ID)
	if len(breaches) != 1 {
		t.Fatalf("priority change must not rewrite breach history, got %d rows", len(breaches))
	}

	// missing the new deadline adds a second, distinct row
	env.advance(72 * time.Hour)
	s = ticketSLA(t, env, tk.ID)
	if !s.Overdue {
		t.Fatalf("expected overdue against the new deadline")
	}
	breaches, _ = env.Engine.Repo.ListSLABreaches(env.Ctx, "ticket", tk.ID)
	if len(breaches) != 2 {
		t.Fatalf("expected two breach rows, got %d", len(breaches))
	}
	if breaches[0].Deadline == breaches[1].Deadline {
		t.Fatalf("breach rows must reference distinct deadlines")
	}
}

func TestConcurrentEvaluatorsRecordOneBreach(t *testing.T) {
	env := newTestEnv(t)
	tk := createTicket(t, env, domain.PriorityUrgent)
	env.advance(3 * time.Hour)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.Engine.TicketSLA(env.Ctx, tk.ID); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("evaluate: %v", err)
	}
	breaches, err := env.Engine.Repo.ListSLABreaches(env.Ctx, "ticket", tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(breaches) != 1 {
		t.Fatalf("expected one breach row, got %d", len(breaches))
	}
}

func TestDuplicateBreachInsertIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	b := domain.SLABreach{
		ID:         "breach-a",
		EntityKind: "ticket",
		EntityID:   "tk-1",
		Priority:   domain.PriorityUrgent,
		Deadline:   "2025-06-01T11:00:00Z",
		RecordedAt: "2025-06-01T12:00:00Z",
	}
	inserted, err := env.Engine.Repo.InsertSLABreach(env.Ctx, nil, b)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	b.ID = "breach-b"
	inserted, err = env.Engine.Repo.InsertSLABreach(env.Ctx, nil, b)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Fatalf("second insert for the same deadline must be a no-op")
	}
	breaches, err := env.Engine.Repo.ListSLABreaches(env.Ctx, "ticket", "tk-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(breaches) != 1 {
		t.Fatalf("expected one breach row, got %d", len(breaches))
	}
}

func TestSessionSLAFromEscalation(t *testing.T) {
	env := newTestEnv(t)
	s := openSession(t, env) // normal -> 8h window

	env.advance(time.Hour)
	escalate(t, env, s.ID)

	// the window counts from escalation, not creation
	env.advance(7*time.Hour + 30*time.Minute)
	status, err := env.Engine.SessionSLA(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.Overdue {
		t.Fatalf("7.5h after escalation is inside the 8h window")
	}
	env.advance(time.Hour)
	status, err = env.Engine.SessionSLA(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Overdue {
		t.Fatalf("8.5h after escalation must be overdue")
	}
	breaches, _ := env.Engine.Repo.ListSLABreaches(env.Ctx, "session", s.ID)
	if len(breaches) != 1 {
		t.Fatalf("expected session breach recorded, got %d", len(breaches))
	}
}

func TestSessionSLAVIPWindow(t *testing.T) {
	env := newTestEnv(t)
	s := openSession(t, env, "vip") // vip -> 2h window
	escalate(t, env, s.ID)

	env.advance(3 * time.Hour)
	status, err := env.Engine.SessionSLA(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Overdue {
		t.Fatalf("vip window is 2h, 3h must be overdue")
	}
}

func TestSessionSLAFrozenOnClose(t *testing.T) {
	env := newTestEnv(t)
	s := openSession(t, env)
	escalate(t, env, s.ID)
	env.advance(time.Hour)
	if _, err := env.Engine.CloseSession(env.Ctx, s.ID, "agent-1", 0); err != nil {
		t.Fatal(err)
	}
	env.advance(100 * time.Hour)
	status, err := env.Engine.SessionSLA(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Frozen || status.Overdue {
		t.Fatalf("closed session must freeze its SLA: %+v", status)
	}
}
