package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"deskline/internal/domain"
)

const sessionCols = `id, channel, status, assignee_id, COALESCE(customer_name,''), COALESCE(customer_contact,''), COALESCE(tags_json,''), escalation_reason, escalation_detail, escalated_at, created_at, updated_at, closed_at, version`

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var s domain.Session
	var assignee, reason, detail, escalatedAt, closedAt sql.NullString
	var tagsJSON string
	err := scan(&s.ID, &s.Channel, &s.Status, &assignee, &s.CustomerName, &s.CustomerContact, &tagsJSON,
		&reason, &detail, &escalatedAt, &s.CreatedAt, &s.UpdatedAt, &closedAt, &s.Version)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.AssigneeID = ptrFromNull(assignee)
	s.EscalationReason = ptrFromNull(reason)
	s.EscalationDetail = ptrFromNull(detail)
	s.EscalatedAt = ptrFromNull(escalatedAt)
	s.ClosedAt = ptrFromNull(closedAt)
	if tagsJSON != "" {
		_ = json.Unmarshal([]byte(tagsJSON), &s.Tags)
	}
	return s, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	tags, err := marshalTags(s.Tags)
	if err != nil {
		return err
	}
	_, err = r.exec(tx).ExecContext(ctx, `INSERT INTO sessions(id,channel,status,assignee_id,customer_name,customer_contact,tags_json,escalation_reason,escalation_detail,escalated_at,created_at,updated_at,closed_at,version) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Channel, s.Status, nullablePtr(s.AssigneeID), nullable(s.CustomerName), nullable(s.CustomerContact), nullable(tags),
		nullablePtr(s.EscalationReason), nullablePtr(s.EscalationDetail), nullablePtr(s.EscalatedAt),
		s.CreatedAt, s.UpdatedAt, nullablePtr(s.ClosedAt), s.Version)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return r.GetSessionTx(ctx, nil, id)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	row := r.query(tx).QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

// UpdateSession rewrites the mutable columns and bumps the version. The
// version in s must be the version read before the mutation; on zero rows
// affected the row is re-read to tell a vanished id from a lost race.
func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	tags, err := marshalTags(s.Tags)
	if err != nil {
		return err
	}
	res, err := r.exec(tx).ExecContext(ctx, `UPDATE sessions SET status=?, assignee_id=?, customer_name=?, customer_contact=?, tags_json=?, escalation_reason=?, escalation_detail=?, escalated_at=?, updated_at=?, closed_at=?, version=version+1 WHERE id=? AND version=?`,
		s.Status, nullablePtr(s.AssigneeID), nullable(s.CustomerName), nullable(s.CustomerContact), nullable(tags),
		nullablePtr(s.EscalationReason), nullablePtr(s.EscalationDetail), nullablePtr(s.EscalatedAt),
		s.UpdatedAt, nullablePtr(s.ClosedAt), s.ID, s.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetSessionTx(ctx, tx, s.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

// ClaimSession flips a pending session to manual_live for one agent. The
// status guard in the WHERE clause is what makes concurrent claims lose:
// zero rows affected means the session was not claimable anymore.
func (r Repo) ClaimSession(ctx context.Context, tx *sql.Tx, id, agentID, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?, assignee_id=?, updated_at=?, version=version+1 WHERE id=? AND status=?`,
		domain.SessionManualLive, agentID, updatedAt, id, domain.SessionPendingManual)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type SessionFilter struct {
	Status   string
	Channel  string
	Assignee string
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilter) ([]domain.Session, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Channel != "" {
		clauses = append(clauses, "channel=?")
		args = append(args, f.Channel)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.Assignee)
	}
	query := `SELECT ` + sessionCols + ` FROM sessions`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO messages(id,session_id,sender_role,sender_id,content,created_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.SessionID, m.SenderRole, nullable(m.SenderID), m.Content, m.CreatedAt)
	return err
}

func (r Repo) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, session_id, sender_role, COALESCE(sender_id,''), content, created_at FROM messages WHERE session_id=? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderRole, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func marshalTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
