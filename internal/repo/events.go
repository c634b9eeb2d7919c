package repo

import (
	"context"
	"database/sql"
	"strings"

	"deskline/internal/domain"
)

const eventCols = `id, ts, type, entity_kind, COALESCE(entity_id,''), actor_id, COALESCE(old_state,''), COALESCE(new_state,''), payload_json`

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	err := scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.OldState, &e.NewState, &e.Payload)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

// EventsAfter returns events with ids greater than the cursor in ascending
// order, optionally scoped to one entity.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"id > ?"}
	args := []any{cursor}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT ` + eventCols + ` FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event id, 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// TailEvents returns the newest events, most recent first.
func (r Repo) TailEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
