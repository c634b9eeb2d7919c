package domain

// Session is a single customer conversation. It is never deleted; closing
// soft-terminates it while retaining history and the escalation record.
type Session struct {
	ID               string   `json:"id"`
	Channel          string   `json:"channel" enum:"web,im,phone,email"`
	Status           string   `json:"status" enum:"bot_active,pending_manual,manual_live,closed"`
	AssigneeID       *string  `json:"assignee_id,omitempty"`
	CustomerName     string   `json:"customer_name,omitempty"`
	CustomerContact  string   `json:"customer_contact,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	EscalationReason *string  `json:"escalation_reason,omitempty"`
	EscalationDetail *string  `json:"escalation_detail,omitempty"`
	EscalatedAt      *string  `json:"escalated_at,omitempty" format:"date-time"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
	ClosedAt         *string  `json:"closed_at,omitempty" format:"date-time"`
	Version          int64    `json:"version"`
}

// Message is an append-only conversation entry.
type Message struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	SenderRole string `json:"sender_role" enum:"customer,bot,agent"`
	SenderID   string `json:"sender_id,omitempty"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// QueueEntry is the projection of a session awaiting assignment. The
// session id is the primary key, so a session holds at most one live entry.
type QueueEntry struct {
	SessionID    string `json:"session_id"`
	EnqueuedAt   string `json:"enqueued_at" format:"date-time"`
	Reason       string `json:"reason"`
	PriorityHint string `json:"priority_hint" enum:"vip,normal"`
}

type Ticket struct {
	ID            string  `json:"id"`
	SessionID     *string `json:"session_id,omitempty"`
	Type          string  `json:"type" enum:"pre_sale,after_sale,complaint"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	Status        string  `json:"status" enum:"pending,in_progress,waiting_customer,waiting_vendor,resolved,closed,archived"`
	Priority      string  `json:"priority" enum:"urgent,high,medium,low"`
	AssigneeID    *string `json:"assignee_id,omitempty"`
	CustomerName  string  `json:"customer_name,omitempty"`
	CustomerEmail string  `json:"customer_email,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
	ResolvedAt    *string `json:"resolved_at,omitempty" format:"date-time"`
	// SLAFrozenAt is stamped when the ticket first reaches a
	// terminal-for-SLA status; remaining time is evaluated at this instant
	// from then on. Reopen clears it.
	SLAFrozenAt *string `json:"sla_frozen_at,omitempty" format:"date-time"`
	Version     int64   `json:"version"`
}

// SLABreach is append-only evidence that a deadline was missed. Later
// priority changes never rewrite recorded breaches.
type SLABreach struct {
	ID         string `json:"id"`
	EntityKind string `json:"entity_kind" enum:"session,ticket"`
	EntityID   string `json:"entity_id"`
	Priority   string `json:"priority"`
	Deadline   string `json:"deadline" format:"date-time"`
	RecordedAt string `json:"recorded_at" format:"date-time"`
}

// Agent is an external identity referenced by sessions and tickets. The
// engine trusts the id supplied by the auth layer and only tracks presence.
type Agent struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Presence    string `json:"presence" enum:"online,away,offline"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	OldState   string `json:"old_state,omitempty"`
	NewState   string `json:"new_state,omitempty"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Session statuses.
const (
	SessionBotActive     = "bot_active"
	SessionPendingManual = "pending_manual"
	SessionManualLive    = "manual_live"
	SessionClosed        = "closed"
)

// Ticket statuses.
const (
	TicketPending         = "pending"
	TicketInProgress      = "in_progress"
	TicketWaitingCustomer = "waiting_customer"
	TicketWaitingVendor   = "waiting_vendor"
	TicketResolved        = "resolved"
	TicketClosed          = "closed"
	TicketArchived        = "archived"
)

// Ticket priorities.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Queue priority bands.
const (
	QueueHintVIP    = "vip"
	QueueHintNormal = "normal"
)

// Message sender roles.
const (
	RoleCustomer = "customer"
	RoleBot      = "bot"
	RoleAgent    = "agent"
)
