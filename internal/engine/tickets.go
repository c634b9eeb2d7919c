package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"deskline/internal/domain"
	"deskline/internal/events"
)

// TicketCreateOptions are parameters for creating a ticket, standalone or
// linked to a session.
type TicketCreateOptions struct {
	ID            string
	SessionID     string
	Type          string
	Title         string
	Description   string
	Priority      string
	AssigneeID    string
	CustomerName  string
	CustomerEmail string
	ActorID       string
}

func (e Engine) CreateTicket(ctx context.Context, opts TicketCreateOptions) (domain.Ticket, error) {
	if opts.Title == "" {
		return domain.Ticket{}, ValidationError{Msg: "ticket title is required"}
	}
	switch opts.Type {
	case "pre_sale", "after_sale", "complaint":
	case "":
		opts.Type = "after_sale"
	default:
		return domain.Ticket{}, ValidationError{Msg: "unknown ticket type " + opts.Type}
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !validPriority(opts.Priority) {
		return domain.Ticket{}, ValidationError{Msg: "unknown priority " + opts.Priority}
	}
	var sessionID *string
	if opts.SessionID != "" {
		s, err := e.Repo.GetSession(ctx, opts.SessionID)
		if err != nil {
			return domain.Ticket{}, err
		}
		sessionID = &s.ID
		// Inherit the customer snapshot unless the caller supplied one.
		if opts.CustomerName == "" {
			opts.CustomerName = s.CustomerName
		}
		if opts.CustomerEmail == "" {
			opts.CustomerEmail = s.CustomerContact
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowString()
	t := domain.Ticket{
		ID:            id,
		SessionID:     sessionID,
		Type:          opts.Type,
		Title:         opts.Title,
		Description:   opts.Description,
		Status:        domain.TicketPending,
		Priority:      opts.Priority,
		AssigneeID:    optionalString(opts.AssigneeID),
		CustomerName:  opts.CustomerName,
		CustomerEmail: opts.CustomerEmail,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTicket(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "ticket.created", "ticket", t.ID, opts.ActorID, "", t.Status, events.EventPayload{"title": t.Title, "priority": t.Priority}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// TicketUpdateOptions encapsulates allowed ticket updates. Nil fields are
// left untouched.
type TicketUpdateOptions struct {
	ID          string
	Status      string
	Priority    string
	Assignee    *string
	Title       string
	Description *string
	ActorID     string
	IfVersion   int64
}

func (e Engine) UpdateTicket(ctx context.Context, opts TicketUpdateOptions) (domain.Ticket, error) {
	t, err := e.Repo.GetTicket(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	if err := checkVersion("ticket", t.ID, t.Version, opts.IfVersion); err != nil {
		return t, err
	}
	if t.Status == domain.TicketArchived {
		return t, TransitionError{Entity: "ticket", From: t.Status, To: t.Status}
	}
	original := t
	if opts.Title != "" {
		t.Title = opts.Title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.Assignee != nil {
		if *opts.Assignee == "" {
			t.AssigneeID = nil
		} else {
			t.AssigneeID = opts.Assignee
		}
	}
	if opts.Priority != "" && opts.Priority != t.Priority {
		if !validPriority(opts.Priority) {
			return t, ValidationError{Msg: "unknown priority " + opts.Priority}
		}
		// Recorded breaches stay as-is; only SLA state going forward is
		// recomputed from the new priority.
		t.Priority = opts.Priority
	}
	if opts.Status != "" && opts.Status != t.Status {
		if err := ensureTicketTransition(t.Status, opts.Status); err != nil {
			return t, err
		}
		t.Status = opts.Status
		now := e.nowString()
		if t.Status == domain.TicketResolved {
			t.ResolvedAt = &now
		}
		if slaTerminal(t.Status) && t.SLAFrozenAt == nil {
			t.SLAFrozenAt = &now
		}
	}
	t.UpdatedAt = e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTicket(ctx, tx, t); err != nil {
		return t, versionLost("ticket", t.ID, err)
	}
	if opts.Assignee != nil && t.AssigneeID != nil {
		if err := e.Repo.EnsureAgent(ctx, tx, *t.AssigneeID); err != nil {
			return t, err
		}
	}
	if err := e.Events.Append(ctx, tx, "ticket.updated", "ticket", t.ID, opts.ActorID, original.Status, t.Status, events.EventPayload{
		"priority": t.Priority,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Version++
	return t, nil
}

// ReopenTicket moves a resolved or closed ticket back to pending and
// re-arms SLA evaluation by clearing the freeze point.
func (e Engine) ReopenTicket(ctx context.Context, ticketID, actorID string, ifVersion int64) (domain.Ticket, error) {
	t, err := e.Repo.GetTicket(ctx, ticketID)
	if err != nil {
		return t, err
	}
	if err := checkVersion("ticket", t.ID, t.Version, ifVersion); err != nil {
		return t, err
	}
	if t.Status != domain.TicketResolved && t.Status != domain.TicketClosed {
		return t, TransitionError{Entity: "ticket", From: t.Status, To: domain.TicketPending}
	}
	old := t.Status
	t.Status = domain.TicketPending
	t.ResolvedAt = nil
	t.SLAFrozenAt = nil
	t.UpdatedAt = e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTicket(ctx, tx, t); err != nil {
		return t, versionLost("ticket", t.ID, err)
	}
	if err := e.Events.Append(ctx, tx, "ticket.reopened", "ticket", t.ID, actorID, old, t.Status, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Version++
	return t, nil
}

// ArchiveTicket is terminal: only closed tickets may be archived and an
// archived ticket rejects every further mutation.
func (e Engine) ArchiveTicket(ctx context.Context, ticketID, actorID string, ifVersion int64) (domain.Ticket, error) {
	t, err := e.Repo.GetTicket(ctx, ticketID)
	if err != nil {
		return t, err
	}
	if err := checkVersion("ticket", t.ID, t.Version, ifVersion); err != nil {
		return t, err
	}
	if t.Status != domain.TicketClosed {
		return t, TransitionError{Entity: "ticket", From: t.Status, To: domain.TicketArchived}
	}
	old := t.Status
	t.Status = domain.TicketArchived
	t.UpdatedAt = e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTicket(ctx, tx, t); err != nil {
		return t, versionLost("ticket", t.ID, err)
	}
	if err := e.Events.Append(ctx, tx, "ticket.archived", "ticket", t.ID, actorID, old, t.Status, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Version++
	return t, nil
}

// BatchResult is the per-item outcome of a batch operation. A failed item
// never rolls back its siblings.
type BatchResult struct {
	TicketID string `json:"ticket_id"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Code     string `json:"code,omitempty"`
}

func (e Engine) BatchAssign(ctx context.Context, ticketIDs []string, agentID, actorID string) []BatchResult {
	assignee := agentID
	return e.batch(ctx, ticketIDs, func(id string) error {
		_, err := e.UpdateTicket(ctx, TicketUpdateOptions{ID: id, Assignee: &assignee, ActorID: actorID})
		return err
	})
}

func (e Engine) BatchClose(ctx context.Context, ticketIDs []string, actorID string) []BatchResult {
	return e.batch(ctx, ticketIDs, func(id string) error {
		_, err := e.UpdateTicket(ctx, TicketUpdateOptions{ID: id, Status: domain.TicketClosed, ActorID: actorID})
		return err
	})
}

func (e Engine) BatchSetPriority(ctx context.Context, ticketIDs []string, priority, actorID string) []BatchResult {
	return e.batch(ctx, ticketIDs, func(id string) error {
		_, err := e.UpdateTicket(ctx, TicketUpdateOptions{ID: id, Priority: priority, ActorID: actorID})
		return err
	})
}

func (e Engine) batch(ctx context.Context, ticketIDs []string, op func(id string) error) []BatchResult {
	results := make([]BatchResult, 0, len(ticketIDs))
	for _, id := range ticketIDs {
		res := BatchResult{TicketID: id, OK: true}
		if err := op(id); err != nil {
			res.OK = false
			res.Error = err.Error()
			res.Code = batchErrorCode(err)
		}
		results = append(results, res)
	}
	return results
}

func batchErrorCode(err error) string {
	switch {
	case IsNotFound(err):
		return "not_found"
	case isTransition(err):
		return "invalid_transition"
	case isValidation(err):
		return "validation_failed"
	default:
		return "error"
	}
}

func isTransition(err error) bool {
	_, ok := err.(TransitionError)
	return ok
}

func isValidation(err error) bool {
	_, ok := err.(ValidationError)
	return ok
}

// ArchiveSweep archives closed tickets older than the configured retention
// window. Returns the archived ids.
func (e Engine) ArchiveSweep(ctx context.Context) ([]string, error) {
	days := 0
	if e.Config != nil {
		days = e.Config.Tickets.ArchiveAfterDays
	}
	if days <= 0 {
		return nil, nil
	}
	cutoff := e.now().UTC().Add(-time.Duration(days) * 24 * time.Hour).Format(time.RFC3339)
	ids, err := e.Repo.ClosedTicketsBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var archived []string
	for _, id := range ids {
		if _, err := e.ArchiveTicket(ctx, id, "system", 0); err != nil {
			continue
		}
		archived = append(archived, id)
	}
	return archived, nil
}

func ensureTicketTransition(oldStatus, newStatus string) error {
	if newStatus == domain.TicketClosed && oldStatus != domain.TicketClosed && oldStatus != domain.TicketArchived {
		return nil
	}
	switch oldStatus {
	case domain.TicketPending:
		if newStatus == domain.TicketInProgress {
			return nil
		}
	case domain.TicketInProgress:
		switch newStatus {
		case domain.TicketWaitingCustomer, domain.TicketWaitingVendor, domain.TicketResolved:
			return nil
		}
	case domain.TicketWaitingCustomer, domain.TicketWaitingVendor:
		switch newStatus {
		case domain.TicketInProgress, domain.TicketResolved:
			return nil
		}
	}
	return TransitionError{Entity: "ticket", From: oldStatus, To: newStatus}
}

func slaTerminal(status string) bool {
	switch status {
	case domain.TicketResolved, domain.TicketClosed, domain.TicketArchived:
		return true
	}
	return false
}

func validPriority(p string) bool {
	switch p {
	case domain.PriorityUrgent, domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow:
		return true
	}
	return false
}
