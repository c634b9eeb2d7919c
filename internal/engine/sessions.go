package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"deskline/internal/domain"
	"deskline/internal/events"
	"deskline/internal/repo"
)

// OpenSessionOptions are parameters for opening a conversation.
type OpenSessionOptions struct {
	ID              string
	Channel         string
	CustomerName    string
	CustomerContact string
	Tags            []string
	FirstMessage    string
	ActorID         string
}

// OpenSession creates a session in bot_active on the first inbound message.
func (e Engine) OpenSession(ctx context.Context, opts OpenSessionOptions) (domain.Session, error) {
	switch opts.Channel {
	case "web", "im", "phone", "email":
	case "":
		opts.Channel = "web"
	default:
		return domain.Session{}, ValidationError{Msg: "unknown channel " + opts.Channel}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowString()
	s := domain.Session{
		ID:              id,
		Channel:         opts.Channel,
		Status:          domain.SessionBotActive,
		CustomerName:    opts.CustomerName,
		CustomerContact: opts.CustomerContact,
		Tags:            opts.Tags,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.Session{}, err
	}
	if opts.FirstMessage != "" {
		m := domain.Message{
			ID:         uuid.New().String(),
			SessionID:  id,
			SenderRole: domain.RoleCustomer,
			Content:    opts.FirstMessage,
			CreatedAt:  now,
		}
		if err := e.Repo.InsertMessage(ctx, tx, m); err != nil {
			return domain.Session{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "session.opened", "session", s.ID, opts.ActorID, "", s.Status, events.EventPayload{"channel": s.Channel}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// Escalate moves a bot_active session into the manual queue. Re-escalating
// a pending session with the same reason is a no-op so unreliable clients
// can retry without producing duplicate queue entries.
func (e Engine) Escalate(ctx context.Context, sessionID, reason, detail, actorID string, ifVersion int64) (domain.Session, error) {
	if reason == "" {
		return domain.Session{}, ValidationError{Msg: "escalation reason is required"}
	}
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if err := checkVersion("session", s.ID, s.Version, ifVersion); err != nil {
		return s, err
	}
	if s.Status == domain.SessionPendingManual {
		if s.EscalationReason != nil && *s.EscalationReason == reason {
			return s, nil
		}
		return s, TransitionError{Entity: "session", From: s.Status, To: domain.SessionPendingManual}
	}
	if s.Status != domain.SessionBotActive {
		return s, TransitionError{Entity: "session", From: s.Status, To: domain.SessionPendingManual}
	}
	now := e.nowString()
	old := s.Status
	s.Status = domain.SessionPendingManual
	s.EscalationReason = &reason
	s.EscalationDetail = optionalString(detail)
	s.EscalatedAt = &now
	s.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return s, versionLost("session", s.ID, err)
	}
	entry := domain.QueueEntry{
		SessionID:    s.ID,
		EnqueuedAt:   now,
		Reason:       reason,
		PriorityHint: e.queueHint(s.Tags),
	}
	if err := e.Repo.InsertQueueEntry(ctx, tx, entry); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "session.escalated", "session", s.ID, actorID, old, s.Status, events.EventPayload{"reason": reason}); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "queue.entry.added", "queue", s.ID, actorID, "", "", events.EventPayload{"priority_hint": entry.PriorityHint}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	s.Version++
	return s, nil
}

// Claim hands a queued session to exactly one agent. The queue entry
// removal and the session flip commit together; under concurrent claims the
// row guards make every loser fail with ErrAlreadyClaimed.
func (e Engine) Claim(ctx context.Context, sessionID, agentID string) (domain.Session, error) {
	if agentID == "" {
		return domain.Session{}, ValidationError{Msg: "agent id is required"}
	}
	if _, err := e.Repo.GetSession(ctx, sessionID); err != nil {
		return domain.Session{}, err
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	removed, err := e.Repo.RemoveQueueEntry(ctx, tx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if !removed {
		return domain.Session{}, ErrAlreadyClaimed
	}
	claimed, err := e.Repo.ClaimSession(ctx, tx, sessionID, agentID, now)
	if err != nil {
		return domain.Session{}, err
	}
	if !claimed {
		return domain.Session{}, ErrAlreadyClaimed
	}
	if err := e.Repo.EnsureAgent(ctx, tx, agentID); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.claimed", "session", sessionID, agentID, domain.SessionPendingManual, domain.SessionManualLive, events.EventPayload{"agent_id": agentID}); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, "queue.entry.removed", "queue", sessionID, agentID, "", "", nil); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return e.Repo.GetSession(ctx, sessionID)
}

// Release puts a live session back into the queue, preserving the original
// enqueue time so the customer does not lose their place.
func (e Engine) Release(ctx context.Context, sessionID, agentID string, ifVersion int64) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if err := checkVersion("session", s.ID, s.Version, ifVersion); err != nil {
		return s, err
	}
	if s.Status != domain.SessionManualLive {
		return s, TransitionError{Entity: "session", From: s.Status, To: domain.SessionPendingManual}
	}
	if s.AssigneeID == nil || *s.AssigneeID != agentID {
		return s, ForbiddenError{AgentID: agentID, Reason: "only the assignee may release a session"}
	}
	now := e.nowString()
	old := s.Status
	s.Status = domain.SessionPendingManual
	s.AssigneeID = nil
	s.UpdatedAt = now

	enqueuedAt := now
	if s.EscalatedAt != nil {
		enqueuedAt = *s.EscalatedAt
	}
	reason := "released"
	if s.EscalationReason != nil {
		reason = *s.EscalationReason
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return s, versionLost("session", s.ID, err)
	}
	entry := domain.QueueEntry{
		SessionID:    s.ID,
		EnqueuedAt:   enqueuedAt,
		Reason:       reason,
		PriorityHint: e.queueHint(s.Tags),
	}
	if err := e.Repo.InsertQueueEntry(ctx, tx, entry); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "session.released", "session", s.ID, agentID, old, s.Status, events.EventPayload{"agent_id": agentID}); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "queue.entry.added", "queue", s.ID, agentID, "", "", events.EventPayload{"priority_hint": entry.PriorityHint}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	s.Version++
	return s, nil
}

// CloseSession ends the conversation from any non-terminal state. Any queue
// entry is purged in the same transaction.
func (e Engine) CloseSession(ctx context.Context, sessionID, actorID string, ifVersion int64) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if err := checkVersion("session", s.ID, s.Version, ifVersion); err != nil {
		return s, err
	}
	if s.Status == domain.SessionClosed {
		return s, TransitionError{Entity: "session", From: s.Status, To: domain.SessionClosed}
	}
	now := e.nowString()
	old := s.Status
	s.Status = domain.SessionClosed
	s.AssigneeID = nil
	s.UpdatedAt = now
	s.ClosedAt = &now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return s, versionLost("session", s.ID, err)
	}
	removed, err := e.Repo.RemoveQueueEntry(ctx, tx, s.ID)
	if err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "session.closed", "session", s.ID, actorID, old, s.Status, nil); err != nil {
		return s, err
	}
	if removed {
		if err := e.Events.Append(ctx, tx, "queue.entry.removed", "queue", s.ID, actorID, "", "", nil); err != nil {
			return s, err
		}
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	s.Version++
	return s, nil
}

// SendMessage appends to the conversation without touching status.
func (e Engine) SendMessage(ctx context.Context, sessionID, role, senderID, content string) (domain.Message, error) {
	switch role {
	case domain.RoleCustomer, domain.RoleBot, domain.RoleAgent:
	default:
		return domain.Message{}, ValidationError{Msg: "sender role must be customer, bot or agent"}
	}
	if content == "" {
		return domain.Message{}, ValidationError{Msg: "message content is required"}
	}
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Message{}, err
	}
	if s.Status == domain.SessionClosed {
		return domain.Message{}, ErrSessionClosed
	}
	m := domain.Message{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		SenderRole: role,
		SenderID:   senderID,
		Content:    content,
		CreatedAt:  e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMessage(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "session.message", "session", sessionID, senderID, "", "", events.EventPayload{"role": role}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return m, nil
}

// TagSession replaces the customer tags. Tagging is the one mutation still
// legal on a closed session, as an audit annotation.
func (e Engine) TagSession(ctx context.Context, sessionID string, tags []string, actorID string, ifVersion int64) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if err := checkVersion("session", s.ID, s.Version, ifVersion); err != nil {
		return s, err
	}
	s.Tags = tags
	s.UpdatedAt = e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return s, versionLost("session", s.ID, err)
	}
	if err := e.Events.Append(ctx, tx, "session.tagged", "session", s.ID, actorID, "", "", events.EventPayload{"tags": tags}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	s.Version++
	return s, nil
}

// Queue returns the pending entries in claim order, purging entries whose
// session closed while still queued.
func (e Engine) Queue(ctx context.Context) ([]domain.QueueEntry, error) {
	abandoned, err := e.Repo.AbandonedQueueEntries(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range abandoned {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		removed, err := e.Repo.RemoveQueueEntry(ctx, tx, id)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if removed {
			if err := e.Events.Append(ctx, tx, "queue.entry.removed", "queue", id, "system", "", "", events.EventPayload{"reason": "abandoned"}); err != nil {
				tx.Rollback()
				return nil, err
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListQueue(ctx)
}

func (e Engine) queueHint(tags []string) string {
	if e.Config != nil && e.Config.IsVIP(tags) {
		return domain.QueueHintVIP
	}
	return domain.QueueHintNormal
}

func checkVersion(entity, id string, actual, expected int64) error {
	if expected > 0 && actual != expected {
		return ConflictError{Entity: entity, ID: id, Expected: expected, Actual: actual}
	}
	return nil
}

// IsNotFound reports whether err is the repo's not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
