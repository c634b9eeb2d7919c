package repo

import (
	"context"
	"database/sql"
	"strings"

	"deskline/internal/domain"
)

const ticketCols = `id, session_id, type, title, COALESCE(description,''), status, priority, assignee_id, COALESCE(customer_name,''), COALESCE(customer_email,''), created_at, updated_at, resolved_at, sla_frozen_at, version`

func scanTicket(scan func(dest ...any) error) (domain.Ticket, error) {
	var t domain.Ticket
	var sessionID, assignee, resolvedAt, frozenAt sql.NullString
	err := scan(&t.ID, &sessionID, &t.Type, &t.Title, &t.Description, &t.Status, &t.Priority, &assignee,
		&t.CustomerName, &t.CustomerEmail, &t.CreatedAt, &t.UpdatedAt, &resolvedAt, &frozenAt, &t.Version)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.SessionID = ptrFromNull(sessionID)
	t.AssigneeID = ptrFromNull(assignee)
	t.ResolvedAt = ptrFromNull(resolvedAt)
	t.SLAFrozenAt = ptrFromNull(frozenAt)
	return t, nil
}

func (r Repo) InsertTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO tickets(id,session_id,type,title,description,status,priority,assignee_id,customer_name,customer_email,created_at,updated_at,resolved_at,sla_frozen_at,version) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullablePtr(t.SessionID), t.Type, t.Title, nullable(t.Description), t.Status, t.Priority,
		nullablePtr(t.AssigneeID), nullable(t.CustomerName), nullable(t.CustomerEmail),
		t.CreatedAt, t.UpdatedAt, nullablePtr(t.ResolvedAt), nullablePtr(t.SLAFrozenAt), t.Version)
	return err
}

func (r Repo) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	return r.GetTicketTx(ctx, nil, id)
}

func (r Repo) GetTicketTx(ctx context.Context, tx *sql.Tx, id string) (domain.Ticket, error) {
	row := r.query(tx).QueryRowContext(ctx, `SELECT `+ticketCols+` FROM tickets WHERE id=?`, id)
	return scanTicket(row.Scan)
}

// UpdateTicket rewrites mutable columns guarded by the version read before
// the mutation, so racing writers fail instead of overwriting each other.
// Zero rows affected triggers a re-read: a missing id stays ErrNotFound, a
// moved version becomes ErrVersionConflict.
func (r Repo) UpdateTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	res, err := r.exec(tx).ExecContext(ctx, `UPDATE tickets SET title=?, description=?, status=?, priority=?, assignee_id=?, updated_at=?, resolved_at=?, sla_frozen_at=?, version=version+1 WHERE id=? AND version=?`,
		t.Title, nullable(t.Description), t.Status, t.Priority, nullablePtr(t.AssigneeID),
		t.UpdatedAt, nullablePtr(t.ResolvedAt), nullablePtr(t.SLAFrozenAt), t.ID, t.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetTicketTx(ctx, tx, t.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

type TicketFilter struct {
	Status   string
	Priority string
	Assignee string
	Type     string
}

func (r Repo) ListTickets(ctx context.Context, f TicketFilter) ([]domain.Ticket, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.Assignee)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	query := `SELECT ` + ticketCols + ` FROM tickets`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ClosedTicketsBefore returns ids of closed tickets whose last update is
// older than the cutoff, candidates for the archive sweep.
func (r Repo) ClosedTicketsBefore(ctx context.Context, cutoff string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tickets WHERE status=? AND updated_at < ?`, domain.TicketClosed, cutoff)
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

// InsertSLABreach records a missed deadline. The unique key on
// (entity_kind, entity_id, deadline) keeps the evidence at one row per
// deadline even when concurrent evaluators observe the same miss; a
// duplicate insert reports false without error.
func (r Repo) InsertSLABreach(ctx context.Context, tx *sql.Tx, b domain.SLABreach) (bool, error) {
	res, err := r.exec(tx).ExecContext(ctx, `INSERT OR IGNORE INTO sla_breaches(id,entity_kind,entity_id,priority,deadline,recorded_at) VALUES (?,?,?,?,?,?)`,
		b.ID, b.EntityKind, b.EntityID, b.Priority, b.Deadline, b.RecordedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// HasSLABreach reports whether this exact deadline miss is already on
// record. The deadline is part of the key: a priority change produces a new
// deadline and therefore fresh evidence, while the old rows stay untouched.
func (r Repo) HasSLABreach(ctx context.Context, entityKind, entityID, deadline string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM sla_breaches WHERE entity_kind=? AND entity_id=? AND deadline=? LIMIT 1`, entityKind, entityID, deadline)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListSLABreaches(ctx context.Context, entityKind, entityID string) ([]domain.SLABreach, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, entity_kind, entity_id, priority, deadline, recorded_at FROM sla_breaches WHERE entity_kind=? AND entity_id=? ORDER BY recorded_at, id`, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SLABreach
	for rows.Next() {
		var b domain.SLABreach
		if err := rows.Scan(&b.ID, &b.EntityKind, &b.EntityID, &b.Priority, &b.Deadline, &b.RecordedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}
