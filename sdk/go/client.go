package desklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Deskline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Session represents the API session model.
type Session struct {
	ID               string   `json:"id"`
	Channel          string   `json:"channel"`
	Status           string   `json:"status"`
	AssigneeID       *string  `json:"assignee_id,omitempty"`
	CustomerName     string   `json:"customer_name,omitempty"`
	CustomerContact  string   `json:"customer_contact,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	EscalationReason *string  `json:"escalation_reason,omitempty"`
	EscalatedAt      *string  `json:"escalated_at,omitempty"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
	ClosedAt         *string  `json:"closed_at,omitempty"`
	Version          int64    `json:"version"`
}

// Message is one conversation entry.
type Message struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	SenderRole string `json:"sender_role"`
	SenderID   string `json:"sender_id,omitempty"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at"`
}

// QueueEntry is a session waiting for a manual agent.
type QueueEntry struct {
	SessionID    string `json:"session_id"`
	EnqueuedAt   string `json:"enqueued_at"`
	Reason       string `json:"reason"`
	PriorityHint string `json:"priority_hint"`
}

// Ticket represents the API ticket model.
type Ticket struct {
	ID            string  `json:"id"`
	SessionID     *string `json:"session_id,omitempty"`
	Type          string  `json:"type"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	Status        string  `json:"status"`
	Priority      string  `json:"priority"`
	AssigneeID    *string `json:"assignee_id,omitempty"`
	CustomerName  string  `json:"customer_name,omitempty"`
	CustomerEmail string  `json:"customer_email,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
	ResolvedAt    *string `json:"resolved_at,omitempty"`
	Version       int64   `json:"version"`
}

// SLAStatus reports the deadline state of a session or ticket.
type SLAStatus struct {
	EntityKind       string `json:"entity_kind"`
	EntityID         string `json:"entity_id"`
	Deadline         string `json:"deadline"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	Overdue          bool   `json:"overdue"`
	Frozen           bool   `json:"frozen"`
}

// SLABreach is recorded evidence of a missed deadline.
type SLABreach struct {
	ID         string `json:"id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Priority   string `json:"priority"`
	Deadline   string `json:"deadline"`
	RecordedAt string `json:"recorded_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	OldState   string         `json:"old_state,omitempty"`
	NewState   string         `json:"new_state,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// BatchResult is the per-ticket outcome of a batch operation.
type BatchResult struct {
	TicketID string `json:"ticket_id"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Code     string `json:"code,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// OpenSession opens a new conversation.
func (c *Client) OpenSession(ctx context.Context, channel, customerName, customerContact, firstMessage string, tags []string) (Session, error) {
	body := map[string]any{
		"channel":          channel,
		"customer_name":    customerName,
		"customer_contact": customerContact,
		"first_message":    firstMessage,
		"tags":             tags,
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, apiPath("sessions"), body, &resp)
	return resp, err
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, sessionPath(id, ""), nil, &resp)
	return resp, err
}

// Escalate hands the session to the manual queue.
func (c *Client) Escalate(ctx context.Context, id, reason, detail string) (Session, error) {
	body := map[string]any{"reason": reason, "detail": detail}
	var resp Session
	err := c.do(ctx, http.MethodPost, sessionPath(id, "escalate"), body, &resp)
	return resp, err
}

// Claim takes a queued session; the caller becomes the assignee.
func (c *Client) Claim(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, sessionPath(id, "claim"), nil, &resp)
	return resp, err
}

// Release puts a live session back into the queue.
func (c *Client) Release(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, sessionPath(id, "release"), nil, &resp)
	return resp, err
}

// CloseSession ends the conversation.
func (c *Client) CloseSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, sessionPath(id, "close"), nil, &resp)
	return resp, err
}

// SendMessage appends to the conversation transcript.
func (c *Client) SendMessage(ctx context.Context, sessionID, role, content string) (Message, error) {
	body := map[string]any{"role": role, "content": content}
	var resp Message
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "messages"), body, &resp)
	return resp, err
}

// Messages returns the transcript of a session.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	var resp []Message
	err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "messages"), nil, &resp)
	return resp, err
}

// TagSession replaces the customer tags.
func (c *Client) TagSession(ctx context.Context, sessionID string, tags []string) (Session, error) {
	body := map[string]any{"tags": tags}
	var resp Session
	err := c.do(ctx, http.MethodPut, sessionPath(sessionID, "tags"), body, &resp)
	return resp, err
}

// Queue returns the pending sessions in claim order.
func (c *Client) Queue(ctx context.Context) ([]QueueEntry, error) {
	var resp []QueueEntry
	err := c.do(ctx, http.MethodGet, apiPath("queue"), nil, &resp)
	return resp, err
}

// CreateTicket creates a ticket, optionally linked to a session.
func (c *Client) CreateTicket(ctx context.Context, title, ticketType, priority, sessionID string) (Ticket, error) {
	body := map[string]any{
		"title":    title,
		"type":     ticketType,
		"priority": priority,
	}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	var resp Ticket
	err := c.do(ctx, http.MethodPost, apiPath("tickets"), body, &resp)
	return resp, err
}

// GetTicket fetches a ticket by id.
func (c *Client) GetTicket(ctx context.Context, id string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodGet, ticketPath(id, ""), nil, &resp)
	return resp, err
}

// UpdateTicket patches ticket fields; nil map entries are left untouched.
func (c *Client) UpdateTicket(ctx context.Context, id string, fields map[string]any) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPatch, ticketPath(id, ""), fields, &resp)
	return resp, err
}

// ReopenTicket moves a resolved or closed ticket back to pending.
func (c *Client) ReopenTicket(ctx context.Context, id string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, ticketPath(id, "reopen"), nil, &resp)
	return resp, err
}

// ArchiveTicket archives a closed ticket.
func (c *Client) ArchiveTicket(ctx context.Context, id string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, ticketPath(id, "archive"), nil, &resp)
	return resp, err
}

// BatchAssign assigns tickets to an agent, one result per ticket.
func (c *Client) BatchAssign(ctx context.Context, ticketIDs []string, agentID string) ([]BatchResult, error) {
	body := map[string]any{"ticket_ids": ticketIDs, "agent_id": agentID}
	return c.batch(ctx, "assign", body)
}

// BatchClose closes tickets, one result per ticket.
func (c *Client) BatchClose(ctx context.Context, ticketIDs []string) ([]BatchResult, error) {
	body := map[string]any{"ticket_ids": ticketIDs}
	return c.batch(ctx, "close", body)
}

// BatchSetPriority sets the priority on tickets, one result per ticket.
func (c *Client) BatchSetPriority(ctx context.Context, ticketIDs []string, priority string) ([]BatchResult, error) {
	body := map[string]any{"ticket_ids": ticketIDs, "priority": priority}
	return c.batch(ctx, "priority", body)
}

func (c *Client) batch(ctx context.Context, op string, body map[string]any) ([]BatchResult, error) {
	var resp []BatchResult
	err := c.do(ctx, http.MethodPost, apiPath("tickets/batch/"+op), body, &resp)
	return resp, err
}

// SLA evaluates the deadline for a session or ticket.
func (c *Client) SLA(ctx context.Context, entityKind, entityID string) (SLAStatus, error) {
	var resp SLAStatus
	endpoint := apiPath(fmt.Sprintf("sla/%s/%s", url.PathEscape(entityKind), url.PathEscape(entityID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Breaches lists recorded SLA breaches for an entity.
func (c *Client) Breaches(ctx context.Context, entityKind, entityID string) ([]SLABreach, error) {
	var resp []SLABreach
	endpoint := apiPath(fmt.Sprintf("sla/%s/%s/breaches", url.PathEscape(entityKind), url.PathEscape(entityID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns events after the given cursor. waitSeconds > 0 long-polls
// until an event arrives or the window expires.
func (c *Client) Events(ctx context.Context, after int64, waitSeconds int) ([]Event, error) {
	endpoint := apiPath("events")
	params := url.Values{}
	if after > 0 {
		params.Set("after", fmt.Sprintf("%d", after))
	}
	if waitSeconds > 0 {
		params.Set("wait_seconds", fmt.Sprintf("%d", waitSeconds))
	}
	if enc := params.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func apiPath(p string) string {
	return "v0/" + strings.TrimLeft(p, "/")
}

func sessionPath(id, sub string) string {
	p := fmt.Sprintf("sessions/%s", url.PathEscape(id))
	if sub != "" {
		p += "/" + sub
	}
	return apiPath(p)
}

func ticketPath(id, sub string) string {
	p := fmt.Sprintf("tickets/%s", url.PathEscape(id))
	if sub != "" {
		p += "/" + sub
	}
	return apiPath(p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
