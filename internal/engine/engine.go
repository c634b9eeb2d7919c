package engine

import (
	"context"
	"database/sql"
	"time"

	"deskline/internal/config"
	"deskline/internal/domain"
	"deskline/internal/events"
	"deskline/internal/repo"
)

// Engine owns the session/ticket lifecycle: every mutation runs in one
// transaction, validates its transition against the explicit tables in
// sessions.go and tickets.go, and appends to the event log before commit.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// SetAgentPresence updates an agent's presence, seeding the agent row on
// first sight.
func (e Engine) SetAgentPresence(ctx context.Context, agentID, presence, displayName string) (domain.Agent, error) {
	switch presence {
	case "online", "away", "offline":
	default:
		return domain.Agent{}, ValidationError{Msg: "presence must be online, away or offline"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureAgent(ctx, tx, agentID); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	if err := e.Repo.SetAgentPresence(ctx, agentID, presence, displayName); err != nil {
		return domain.Agent{}, err
	}
	return e.Repo.GetAgent(ctx, agentID)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
