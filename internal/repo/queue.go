package repo

import (
	"context"
	"database/sql"

	"deskline/internal/domain"
)

func (r Repo) InsertQueueEntry(ctx context.Context, tx *sql.Tx, e domain.QueueEntry) error {
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO queue_entries(session_id,enqueued_at,reason,priority_hint) VALUES (?,?,?,?)`,
		e.SessionID, e.EnqueuedAt, e.Reason, e.PriorityHint)
	return err
}

func (r Repo) GetQueueEntry(ctx context.Context, sessionID string) (domain.QueueEntry, error) {
	var e domain.QueueEntry
	err := r.DB.QueryRowContext(ctx, `SELECT session_id, enqueued_at, reason, priority_hint FROM queue_entries WHERE session_id=?`, sessionID).
		Scan(&e.SessionID, &e.EnqueuedAt, &e.Reason, &e.PriorityHint)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

// RemoveQueueEntry deletes the entry and reports whether it was still there.
// Claim relies on the returned flag: the loser of a race sees false.
func (r Repo) RemoveQueueEntry(ctx context.Context, tx *sql.Tx, sessionID string) (bool, error) {
	res, err := r.exec(tx).ExecContext(ctx, `DELETE FROM queue_entries WHERE session_id=?`, sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListQueue returns pending entries in assignment order: VIP band first,
// FIFO within a band, session id as the deterministic tie-breaker.
func (r Repo) ListQueue(ctx context.Context) ([]domain.QueueEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT session_id, enqueued_at, reason, priority_hint FROM queue_entries
ORDER BY CASE priority_hint WHEN 'vip' THEN 0 ELSE 1 END, enqueued_at, session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QueueEntry
	for rows.Next() {
		var e domain.QueueEntry
		if err := rows.Scan(&e.SessionID, &e.EnqueuedAt, &e.Reason, &e.PriorityHint); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// AbandonedQueueEntries returns entries whose session is already closed.
// They are purged on the next queue scan rather than erroring.
func (r Repo) AbandonedQueueEntries(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT q.session_id FROM queue_entries q JOIN sessions s ON s.id=q.session_id WHERE s.status=?`, domain.SessionClosed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
