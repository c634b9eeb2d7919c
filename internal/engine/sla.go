package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"deskline/internal/domain"
	"deskline/internal/events"
)

// SLAStatus is the deadline state of a session or ticket. Remaining never
// goes negative: a missed deadline reports overdue with zero remaining.
type SLAStatus struct {
	EntityKind string        `json:"entity_kind"`
	EntityID   string        `json:"entity_id"`
	Deadline   string        `json:"deadline" format:"date-time"`
	Remaining  time.Duration `json:"-"`
	RemainingS int64         `json:"remaining_seconds"`
	Overdue    bool          `json:"overdue"`
	Frozen     bool          `json:"frozen"`
}

// evaluateSLA is the pure deadline function: start + hours against now, or
// against the freeze point once the entity reached a terminal state.
func evaluateSLA(start time.Time, hours int, frozenAt *time.Time, now time.Time) SLAStatus {
	deadline := start.Add(time.Duration(hours) * time.Hour)
	at := now
	frozen := false
	if frozenAt != nil {
		at = *frozenAt
		frozen = true
	}
	// The deadline instant itself already counts as missed.
	remaining := deadline.Sub(at)
	overdue := remaining <= 0
	if overdue {
		remaining = 0
	}
	return SLAStatus{
		Deadline:   deadline.UTC().Format(time.RFC3339),
		Remaining:  remaining,
		RemainingS: int64(remaining / time.Second),
		Overdue:    overdue,
		Frozen:     frozen,
	}
}

// TicketSLA evaluates a ticket against the configured priority table,
// recording first-observed breaches as append-only evidence.
func (e Engine) TicketSLA(ctx context.Context, ticketID string) (SLAStatus, error) {
	t, err := e.Repo.GetTicket(ctx, ticketID)
	if err != nil {
		return SLAStatus{}, err
	}
	hours, ok := e.Config.TicketHours(t.Priority)
	if !ok {
		return SLAStatus{}, ValidationError{Msg: "no SLA hours configured for priority " + t.Priority}
	}
	created, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		return SLAStatus{}, err
	}
	var frozen *time.Time
	if t.SLAFrozenAt != nil {
		if ts, err := time.Parse(time.RFC3339, *t.SLAFrozenAt); err == nil {
			frozen = &ts
		}
	}
	status := evaluateSLA(created, hours, frozen, e.now())
	status.EntityKind = "ticket"
	status.EntityID = t.ID
	if status.Overdue {
		if err := e.recordBreach(ctx, "ticket", t.ID, t.Priority, status.Deadline); err != nil {
			return status, err
		}
	}
	return status, nil
}

// SessionSLA evaluates a session from its escalation instant. Sessions that
// never escalated have no deadline and report not overdue with the full
// window remaining from creation.
func (e Engine) SessionSLA(ctx context.Context, sessionID string) (SLAStatus, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return SLAStatus{}, err
	}
	hours := e.Config.SessionHours(e.queueHint(s.Tags))
	startStr := s.CreatedAt
	if s.EscalatedAt != nil {
		startStr = *s.EscalatedAt
	}
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return SLAStatus{}, err
	}
	var frozen *time.Time
	if s.ClosedAt != nil {
		if ts, err := time.Parse(time.RFC3339, *s.ClosedAt); err == nil {
			frozen = &ts
		}
	}
	status := evaluateSLA(start, hours, frozen, e.now())
	status.EntityKind = "session"
	status.EntityID = s.ID
	if status.Overdue {
		priority := e.queueHint(s.Tags)
		if err := e.recordBreach(ctx, "session", s.ID, priority, status.Deadline); err != nil {
			return status, err
		}
	}
	return status, nil
}

// recordBreach appends one breach row per (entity, deadline). A later
// priority change moves the deadline and may produce fresh evidence; the
// old rows are never touched. The unique key on the breach table is the
// authority: when two evaluators observe the same miss, one insert wins
// and the other is a no-op, so no duplicate event fires either.
func (e Engine) recordBreach(ctx context.Context, entityKind, entityID, priority, deadline string) error {
	seen, err := e.Repo.HasSLABreach(ctx, entityKind, entityID, deadline)
	if err != nil || seen {
		return err
	}
	b := domain.SLABreach{
		ID:         uuid.New().String(),
		EntityKind: entityKind,
		EntityID:   entityID,
		Priority:   priority,
		Deadline:   deadline,
		RecordedAt: e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	inserted, err := e.Repo.InsertSLABreach(ctx, tx, b)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	if err := e.Events.Append(ctx, tx, entityKind+".sla.breached", entityKind, entityID, "system", "", "", events.EventPayload{
		"priority": priority,
		"deadline": deadline,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
