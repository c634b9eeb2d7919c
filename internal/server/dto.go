package server

import (
	"encoding/json"

	"deskline/internal/domain"
)

// Request payloads

type OpenSessionRequest struct {
	ID              *string  `json:"id,omitempty"`
	Channel         string   `json:"channel,omitempty" enum:"web,im,phone,email"`
	CustomerName    string   `json:"customer_name,omitempty"`
	CustomerContact string   `json:"customer_contact,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	FirstMessage    string   `json:"first_message,omitempty"`
}

type EscalateRequest struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

type SendMessageRequest struct {
	Role    string `json:"role" enum:"customer,bot,agent"`
	Content string `json:"content"`
}

type TagSessionRequest struct {
	Tags []string `json:"tags"`
}

type CreateTicketRequest struct {
	ID            *string `json:"id,omitempty"`
	SessionID     *string `json:"session_id,omitempty"`
	Type          string  `json:"type,omitempty" enum:"pre_sale,after_sale,complaint"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	Priority      string  `json:"priority,omitempty" enum:"urgent,high,medium,low"`
	AssigneeID    *string `json:"assignee_id,omitempty"`
	CustomerName  string  `json:"customer_name,omitempty"`
	CustomerEmail string  `json:"customer_email,omitempty"`
}

type UpdateTicketRequest struct {
	Status      *string `json:"status,omitempty" enum:"pending,in_progress,waiting_customer,waiting_vendor,resolved,closed"`
	Priority    *string `json:"priority,omitempty" enum:"urgent,high,medium,low"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

type BatchAssignRequest struct {
	TicketIDs []string `json:"ticket_ids"`
	AgentID   string   `json:"agent_id"`
}

type BatchCloseRequest struct {
	TicketIDs []string `json:"ticket_ids"`
}

type BatchPriorityRequest struct {
	TicketIDs []string `json:"ticket_ids"`
	Priority  string   `json:"priority" enum:"urgent,high,medium,low"`
}

type SetPresenceRequest struct {
	Presence    string `json:"presence" enum:"online,away,offline"`
	DisplayName string `json:"display_name,omitempty"`
}

// Response payloads

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	OldState   string         `json:"old_state,omitempty"`
	NewState   string         `json:"new_state,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func toEventResponse(e domain.Event) EventResponse {
	var payload map[string]any
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		OldState:   e.OldState,
		NewState:   e.NewState,
		Payload:    payload,
	}
}

func toEventResponses(events []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(events))
	for _, e := range events {
		res = append(res, toEventResponse(e))
	}
	return res
}
