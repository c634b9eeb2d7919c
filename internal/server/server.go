package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"deskline/internal/domain"
	"deskline/internal/engine"
	"deskline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_claimed"`
	Message string         `json:"message" example:"session already claimed by another agent"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Deskline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Deskline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSessions(group, cfg.Engine)
	registerQueue(group, cfg.Engine)
	registerTickets(group, cfg.Engine)
	registerSLA(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the engine's error taxonomy onto the HTTP envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	var fe engine.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), nil)
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"expected": ce.Expected, "actual": ce.Actual})
	}
	if errors.Is(err, engine.ErrAlreadyClaimed) {
		return newAPIError(http.StatusConflict, "already_claimed", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrSessionClosed) {
		return newAPIError(http.StatusConflict, "session_closed", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML())
	})
}

func swaggerHTML() string {
	specURL := path.Join("/", "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Deskline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// sessionOutput carries the canonical session plus its version as an ETag
// for client-side optimistic concurrency.
type sessionOutput struct {
	ETag string `header:"ETag"`
	Body domain.Session
}

func sessionOut(s domain.Session) *sessionOutput {
	return &sessionOutput{ETag: strconv.FormatInt(s.Version, 10), Body: s}
}

// ifMatchVersion parses an If-Match header into an expected version; 0
// means the caller did not ask for a version check.
func ifMatchVersion(v string) (int64, huma.StatusError) {
	v = strings.Trim(strings.TrimSpace(v), `"`)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, newAPIError(http.StatusBadRequest, "bad_request", "If-Match must be a version number", nil)
	}
	return n, nil
}

type SessionPath struct {
	SessionID string `path:"session_id"`
	IfMatch   string `header:"If-Match"`
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Open a session",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body OpenSessionRequest `json:"body"`
	}) (*sessionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.OpenSessionOptions{
			Channel:         input.Body.Channel,
			CustomerName:    input.Body.CustomerName,
			CustomerContact: input.Body.CustomerContact,
			Tags:            input.Body.Tags,
			FirstMessage:    input.Body.FirstMessage,
			ActorID:         actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		s, err := e.OpenSession(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return sessionOut(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"bot_active,pending_manual,manual_live,closed" required:"false"`
		Channel  string `query:"channel" required:"false"`
		Assignee string `query:"assignee" required:"false"`
	}) (*struct {
		Body []domain.Session `json:"body"`
	}, error) {
		items, err := e.Repo.ListSessions(ctx, repo.SessionFilter{Status: input.Status, Channel: input.Channel, Assignee: input.Assignee})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Session `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get a session",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*sessionOutput, error) {
		s, err := e.Repo.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return sessionOut(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalate-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/escalate",
		Summary:     "Escalate to the manual queue",
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body EscalateRequest `json:"body"`
	}) (*sessionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ifVersion, verErr := ifMatchVersion(input.IfMatch)
		if verErr != nil {
			return nil, verErr
		}
		s, err := e.Escalate(ctx, input.SessionID, input.Body.Reason, input.Body.Detail, actorID, ifVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return sessionOut(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/claim",
		Summary:     "Claim a queued session",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*sessionOutput, error) {
		agentID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Claim(ctx, input.SessionID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return sessionOut(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/release",
		Summary:     "Release a live session back to the queue",
	}, func(ctx context.Context, input *struct {
		SessionPath
	}) (*sessionOutput, error) {
		agentID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ifVersion, verErr := ifMatchVersion(input.IfMatch)
		if verErr != nil {
			return nil, verErr
		}
		s, err := e.Release(ctx, input.SessionID, agentID, ifVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return sessionOut(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/close",
		Summary:     "Close a session",
	}, func(ctx context.Context, input *struct {
		SessionPath
	}) (*sessionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ifVersion, verErr := ifMatchVersion(input.IfMatch)
		if verErr != nil {
			return nil, verErr
		}
		s, err := e.CloseSession(ctx, input.SessionID, actorID, ifVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return sessionOut(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "send-message",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/messages",
		Summary:       "Append a message",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		SessionID string             `path:"session_id"`
		Body      SendMessageRequest `json:"body"`
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		senderID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.SendMessage(ctx, input.SessionID, input.Body.Role, senderID, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/messages",
		Summary:     "List session messages",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body []domain.Message `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMessages(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Message `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tag-session",
		Method:      http.MethodPut,
		Path:        "/sessions/{session_id}/tags",
		Summary:     "Replace customer tags",
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body TagSessionRequest `json:"body"`
	}) (*sessionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ifVersion, verErr := ifMatchVersion(input.IfMatch)
		if verErr != nil {
			return nil, verErr
		}
		s, err := e.TagSession(ctx, input.SessionID, input.Body.Tags, actorID, ifVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return sessionOut(s), nil
	})
}

func registerQueue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "List the assignment queue",
		Description: "Read-only snapshot in claim order; abandoned entries are purged on scan.",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.QueueEntry `json:"body"`
	}, error) {
		items, err := e.Queue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.QueueEntry `json:"body"`
		}{Body: items}, nil
	})
}

type ticketOutput struct {
	ETag string `header:"ETag"`
	Body domain.Ticket
}

func ticketOut(t domain.Ticket) *ticketOutput {
	return &ticketOutput{ETag: strconv.FormatInt(t.Version, 10), Body: t}
}

type TicketPath struct {
	TicketID string `path:"ticket_id"`
	IfMatch  string `header:"If-Match"`
}

func registerTickets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-ticket",
		Method:        http.MethodPost,
		Path:          "/tickets",
		Summary:       "Create a ticket",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateTicketRequest `json:"body"`
	}) (*ticketOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TicketCreateOptions{
			Type:          input.Body.Type,
			Title:         input.Body.Title,
			Description:   input.Body.Description,
			Priority:      input.Body.Priority,
			CustomerName:  input.Body.CustomerName,
			CustomerEmail: input.Body.CustomerEmail,
			ActorID:       actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.SessionID != nil {
			opts.SessionID = *input.Body.SessionID
		}
		if input.Body.AssigneeID != nil {
			opts.AssigneeID = *input.Body.AssigneeID
		}
		t, err := e.CreateTicket(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return ticketOut(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tickets",
		Method:      http.MethodGet,
		Path:        "/tickets",
		Summary:     "List tickets",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" required:"false"`
		Priority string `query:"priority" required:"false"`
		Assignee string `query:"assignee" required:"false"`
		Type     string `query:"type" required:"false"`
	}) (*struct {
		Body []domain.Ticket `json:"body"`
	}, error) {
		items, err := e.Repo.ListTickets(ctx, repo.TicketFilter{Status: input.Status, Priority: input.Priority, Assignee: input.Assignee, Type: input.Type})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Ticket `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{ticket_id}",
		Summary:     "Get a ticket",
	}, func(ctx context.Context, input *struct {
		TicketID string `path:"ticket_id"`
	}) (*ticketOutput, error) {
		t, err := e.Repo.GetTicket(ctx, input.TicketID)
		if err != nil {
			return nil, handleError(err)
		}
		return ticketOut(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-ticket",
		Method:      http.MethodPatch,
		Path:        "/tickets/{ticket_id}",
		Summary:     "Update status, priority or assignee",
	}, func(ctx context.Context, input *struct {
		TicketPath
		Body UpdateTicketRequest `json:"body"`
	}) (*ticketOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ifVersion, verErr := ifMatchVersion(input.IfMatch)
		if verErr != nil {
			return nil, verErr
		}
		opts := engine.TicketUpdateOptions{
			ID:          input.TicketID,
			Assignee:    input.Body.AssigneeID,
			Description: input.Body.Description,
			ActorID:     actorID,
			IfVersion:   ifVersion,
		}
		if input.Body.Status != nil {
			opts.Status = *input.Body.Status
		}
		if input.Body.Priority != nil {
			opts.Priority = *input.Body.Priority
		}
		if input.Body.Title != nil {
			opts.Title = *input.Body.Title
		}
		t, err := e.UpdateTicket(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return ticketOut(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{ticket_id}/reopen",
		Summary:     "Reopen a resolved or closed ticket",
	}, func(ctx context.Context, input *struct {
		TicketPath
	}) (*ticketOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ifVersion, verErr := ifMatchVersion(input.IfMatch)
		if verErr != nil {
			return nil, verErr
		}
		t, err := e.ReopenTicket(ctx, input.TicketID, actorID, ifVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return ticketOut(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{ticket_id}/archive",
		Summary:     "Archive a closed ticket",
	}, func(ctx context.Context, input *struct {
		TicketPath
	}) (*ticketOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ifVersion, verErr := ifMatchVersion(input.IfMatch)
		if verErr != nil {
			return nil, verErr
		}
		t, err := e.ArchiveTicket(ctx, input.TicketID, actorID, ifVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return ticketOut(t), nil
	})

	registerBatch(api, e)
}

type batchOutput struct {
	Body []engine.BatchResult `json:"body"`
}

func registerBatch(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "batch-assign",
		Method:      http.MethodPost,
		Path:        "/tickets/batch/assign",
		Summary:     "Assign many tickets",
		Description: "Per-item validation; one bad item never rolls back the others.",
	}, func(ctx context.Context, input *struct {
		Body BatchAssignRequest `json:"body"`
	}) (*batchOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.AgentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", "agent_id is required", nil)
		}
		return &batchOutput{Body: e.BatchAssign(ctx, input.Body.TicketIDs, input.Body.AgentID, actorID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-close",
		Method:      http.MethodPost,
		Path:        "/tickets/batch/close",
		Summary:     "Close many tickets",
	}, func(ctx context.Context, input *struct {
		Body BatchCloseRequest `json:"body"`
	}) (*batchOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &batchOutput{Body: e.BatchClose(ctx, input.Body.TicketIDs, actorID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-priority",
		Method:      http.MethodPost,
		Path:        "/tickets/batch/priority",
		Summary:     "Set priority on many tickets",
	}, func(ctx context.Context, input *struct {
		Body BatchPriorityRequest `json:"body"`
	}) (*batchOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &batchOutput{Body: e.BatchSetPriority(ctx, input.Body.TicketIDs, input.Body.Priority, actorID)}, nil
	})
}

func registerSLA(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-sla",
		Method:      http.MethodGet,
		Path:        "/sla/{entity_kind}/{entity_id}",
		Summary:     "SLA state for a session or ticket",
	}, func(ctx context.Context, input *struct {
		EntityKind string `path:"entity_kind" enum:"session,ticket"`
		EntityID   string `path:"entity_id"`
	}) (*struct {
		Body engine.SLAStatus `json:"body"`
	}, error) {
		var status engine.SLAStatus
		var err error
		switch input.EntityKind {
		case "session":
			status, err = e.SessionSLA(ctx, input.EntityID)
		case "ticket":
			status, err = e.TicketSLA(ctx, input.EntityID)
		default:
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", "entity_kind must be session or ticket", nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SLAStatus `json:"body"`
		}{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sla-breaches",
		Method:      http.MethodGet,
		Path:        "/sla/{entity_kind}/{entity_id}/breaches",
		Summary:     "Recorded SLA breach evidence",
	}, func(ctx context.Context, input *struct {
		EntityKind string `path:"entity_kind" enum:"session,ticket"`
		EntityID   string `path:"entity_id"`
	}) (*struct {
		Body []domain.SLABreach `json:"body"`
	}, error) {
		items, err := e.Repo.ListSLABreaches(ctx, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SLABreach `json:"body"`
		}{Body: items}, nil
	})
}

const maxEventWait = 30 * time.Second

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Poll the event log",
		Description: "Events are ordered per entity. With wait_seconds the call long-polls until new events arrive or the client disconnects.",
	}, func(ctx context.Context, input *struct {
		After       int64  `query:"after" required:"false"`
		Limit       int    `query:"limit" required:"false"`
		EntityKind  string `query:"entity_kind" required:"false"`
		EntityID    string `query:"entity_id" required:"false"`
		WaitSeconds int    `query:"wait_seconds" required:"false"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		wait := time.Duration(input.WaitSeconds) * time.Second
		if wait > maxEventWait {
			wait = maxEventWait
		}
		deadline := time.Now().Add(wait)
		for {
			items, err := e.Repo.EventsAfter(ctx, limit, input.After, input.EntityKind, input.EntityID)
			if err != nil {
				return nil, handleError(err)
			}
			if len(items) > 0 || wait <= 0 || time.Now().After(deadline) {
				return &struct {
					Body []EventResponse `json:"body"`
				}{Body: toEventResponses(items)}, nil
			}
			select {
			case <-ctx.Done():
				// Client unsubscribed; nothing held server-side.
				return &struct {
					Body []EventResponse `json:"body"`
				}{Body: []EventResponse{}}, nil
			case <-time.After(500 * time.Millisecond):
			}
		}
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List known agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		items, err := e.Repo.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-presence",
		Method:      http.MethodPut,
		Path:        "/agents/{agent_id}/presence",
		Summary:     "Set agent presence",
	}, func(ctx context.Context, input *struct {
		AgentID string             `path:"agent_id"`
		Body    SetPresenceRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actorID != input.AgentID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "agents may only set their own presence", nil)
		}
		a, err := e.SetAgentPresence(ctx, input.AgentID, input.Body.Presence, input.Body.DisplayName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})
}
