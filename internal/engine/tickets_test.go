package engine_test

import (
	"errors"
	"testing"
	"time"

	"deskline/internal/domain"
	"deskline/internal/engine"
	"deskline/internal/repo"
)

func createTicket(t *testing.T, env testEnv, priority string) domain.Ticket {
	t.Helper()
	tk, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{
		Title:    "printer on fire",
		Priority: priority,
		ActorID:  "agent-1",
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return tk
}

func setStatus(t *testing.T, env testEnv, id, status string) domain.Ticket {
	t.Helper()
	tk, err := env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{ID: id, Status: status, ActorID: "agent-1"})
	if err != nil {
		t.Fatalf("set status %s: %v", status, err)
	}
	return tk
}

func TestTicketStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	tk := createTicket(t, env, "medium")
	if tk.Status != domain.TicketPending {
		t.Fatalf("new ticket must be pending, got %s", tk.Status)
	}

	setStatus(t, env, tk.ID, domain.TicketInProgress)
	setStatus(t, env, tk.ID, domain.TicketWaitingCustomer)
	setStatus(t, env, tk.ID, domain.TicketInProgress)
	setStatus(t, env, tk.ID, domain.TicketWaitingVendor)
	tk = setStatus(t, env, tk.ID, domain.TicketResolved)
	if tk.ResolvedAt == nil {
		t.Fatalf("resolved ticket must stamp resolved_at")
	}

	// resolved only goes forward to closed or back via reopen
	var te engine.TransitionError
	if _, err := env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{ID: tk.ID, Status: domain.TicketInProgress, ActorID: "agent-1"}); !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}
	setStatus(t, env, tk.ID, domain.TicketClosed)
}

func TestTicketPendingCannotSkipToResolved(t *testing.T) {
	env := newTestEnv(t)
	tk := createTicket(t, env, "medium")
	if _, err := env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{ID: tk.ID, Status: domain.TicketResolved, ActorID: "agent-1"}); err == nil {
		t.Fatalf("pending ticket must not resolve directly")
	}
}

func TestTicketCloseFromAnyActiveStatus(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range [][]string{
		{},
		{domain.TicketInProgress},
		{domain.TicketInProgress, domain.TicketWaitingVendor},
		{domain.TicketInProgress, domain.TicketResolved},
	} {
		tk := createTicket(t, env, "low")
		for _, status := range path {
			setStatus(t, env, tk.ID, status)
		}
		got := setStatus(t, env, tk.ID, domain.TicketClosed)
		if got.Status != domain.TicketClosed {
			t.Fatalf("expected closed after path %v, got %s", path, got.Status)
		}
	}
}

func TestReopenTicket(t *testing.T) {
	env := newTestEnv(t)
	tk := createTicket(t, env, "high")
	setStatus(t, env, tk.ID, domain.TicketInProgress)
	tk = setStatus(t, env, tk.ID, domain.TicketResolved)
	if tk.SLAFrozenAt == nil {
		t.Fatalf("resolving must freeze the SLA clock")
	}

	tk, err := env.Engine.ReopenTicket(env.Ctx, tk.ID, "agent-1", 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if tk.Status != domain.TicketPending {
		t.Fatalf("reopen must land in pending, got %s", tk.Status)
	}
	if tk.ResolvedAt != nil || tk.SLAFrozenAt != nil {
		t.Fatalf("reopen must clear resolved_at and the SLA freeze: %+v", tk)
	}

	// only resolved/closed may reopen
	if _, err := env.Engine.ReopenTicket(env.Ctx, tk.ID, "agent-1", 0); err == nil {
		t.Fatalf("expected reopen of a pending ticket to fail")
	}
}

func TestArchiveIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	tk := createTicket(t, env, "medium")

	// only closed tickets archive
	if _, err := env.Engine.ArchiveTicket(env.Ctx, tk.ID, "agent-1", 0); err == nil {
		t.Fatalf("expected archive of a pending ticket to fail")
	}
	setStatus(t, env, tk.ID, domain.TicketClosed)
	tk, err := env.Engine.ArchiveTicket(env.Ctx, tk.ID, "agent-1", 0)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if tk.Status != domain.TicketArchived {
		t.Fatalf("expected archived, got %s", tk.Status)
	}

	// archived rejects everything, including reopen
	if _, err := env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{ID: tk.ID, Priority: domain.PriorityLow, ActorID: "agent-1"}); err == nil {
		t.Fatalf("expected update of an archived ticket to fail")
	}
	if _, err := env.Engine.ReopenTicket(env.Ctx, tk.ID, "agent-1", 0); err == nil {
		t.Fatalf("expected reopen of an archived ticket to fail")
	}
}

func TestSessionLinkedTicketInheritsCustomer(t *testing.T) {
	env := newTestEnv(t)
	s := openSession(t, env)
	tk, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{
		Title:     "follow-up",
		SessionID: s.ID,
		ActorID:   "agent-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if tk.SessionID == nil || *tk.SessionID != s.ID {
		t.Fatalf("ticket must link the session")
	}
	if tk.CustomerName != s.CustomerName {
		t.Fatalf("ticket must inherit the customer snapshot, got %q", tk.CustomerName)
	}
	if _, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{Title: "x", SessionID: "missing", ActorID: "agent-1"}); !engine.IsNotFound(err) {
		t.Fatalf("expected not found for unknown session, got %v", err)
	}
}

func TestBatchClosePartialFailure(t *testing.T) {
	env := newTestEnv(t)
	a := createTicket(t, env, "medium")
	b := createTicket(t, env, "medium")
	setStatus(t, env, b.ID, domain.TicketClosed)
	if _, err := env.Engine.ArchiveTicket(env.Ctx, b.ID, "agent-1", 0); err != nil {
		t.Fatal(err)
	}

	results := env.Engine.BatchClose(env.Ctx, []string{a.ID, b.ID, "missing"}, "agent-1")
	if len(results) != 3 {
		t.Fatalf("expected a result per ticket, got %d", len(results))
	}
	if !results[0].OK {
		t.Fatalf("closable ticket should succeed: %+v", results[0])
	}
	if results[1].OK || results[1].Code != "invalid_transition" {
		t.Fatalf("archived ticket should fail with invalid_transition: %+v", results[1])
	}
	if results[2].OK || results[2].Code != "not_found" {
		t.Fatalf("missing ticket should fail with not_found: %+v", results[2])
	}

	// the failure did not roll back the sibling
	got, _ := env.Engine.Repo.GetTicket(env.Ctx, a.ID)
	if got.Status != domain.TicketClosed {
		t.Fatalf("sibling close must stick, got %s", got.Status)
	}
}

func TestBatchAssignAndPriority(t *testing.T) {
	env := newTestEnv(t)
	a := createTicket(t, env, "low")
	b := createTicket(t, env, "low")

	for _, res := range env.Engine.BatchAssign(env.Ctx, []string{a.ID, b.ID}, "agent-9", "lead-1") {
		if !res.OK {
			t.Fatalf("assign failed: %+v", res)
		}
	}
	got, _ := env.Engine.Repo.GetTicket(env.Ctx, a.ID)
	if got.AssigneeID == nil || *got.AssigneeID != "agent-9" {
		t.Fatalf("expected assignee agent-9, got %v", got.AssigneeID)
	}

	results := env.Engine.BatchSetPriority(env.Ctx, []string{a.ID, b.ID}, "sky_high", "lead-1")
	for _, res := range results {
		if res.OK || res.Code != "validation_failed" {
			t.Fatalf("bad priority should fail validation: %+v", res)
		}
	}
}

func TestArchiveSweep(t *testing.T) {
	env := newTestEnv(t)
	old := createTicket(t, env, "medium")
	setStatus(t, env, old.ID, domain.TicketClosed)

	env.advance(40 * 24 * time.Hour)
	fresh := createTicket(t, env, "medium")
	setStatus(t, env, fresh.ID, domain.TicketClosed)

	archived, err := env.Engine.ArchiveSweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(archived) != 1 || archived[0] != old.ID {
		t.Fatalf("expected only the old ticket archived, got %v", archived)
	}
	got, _ := env.Engine.Repo.GetTicket(env.Ctx, fresh.ID)
	if got.Status != domain.TicketClosed {
		t.Fatalf("fresh closed ticket must survive the sweep, got %s", got.Status)
	}
}

func TestTicketVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	tk := createTicket(t, env, "medium")
	var ce engine.ConflictError
	if _, err := env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{ID: tk.ID, Status: domain.TicketInProgress, ActorID: "agent-1", IfVersion: tk.Version + 5}); !errors.As(err, &ce) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestStaleTicketWriteIsConflictNotMissing(t *testing.T) {
	env := newTestEnv(t)
	tk := createTicket(t, env, "medium")

	stale, err := env.Engine.Repo.GetTicket(env.Ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTicket(env.Ctx, engine.TicketUpdateOptions{ID: tk.ID, Title: "renamed", ActorID: "agent-1"}); err != nil {
		t.Fatal(err)
	}
	err = env.Engine.Repo.UpdateTicket(env.Ctx, nil, stale)
	if !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("stale write on a live row must report a conflict, got %v", err)
	}
	stale.ID = "no-such-ticket"
	err = env.Engine.Repo.UpdateTicket(env.Ctx, nil, stale)
	if !engine.IsNotFound(err) {
		t.Fatalf("missing id must stay not-found, got %v", err)
	}
}
