package repo

import (
	"context"
	"database/sql"
	"time"

	"deskline/internal/domain"
)

// EnsureAgent records an agent identity on first sight. The engine trusts
// ids from the auth layer; this row only anchors presence and audit joins.
func (r Repo) EnsureAgent(ctx context.Context, tx *sql.Tx, agentID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.exec(tx).ExecContext(ctx, `INSERT OR IGNORE INTO agents(id, presence, created_at) VALUES (?,'offline',?)`, agentID, now)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	var a domain.Agent
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id, display_name, presence, created_at FROM agents WHERE id=?`, id).
		Scan(&a.ID, &name, &a.Presence, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if name.Valid {
		a.DisplayName = name.String
	}
	return a, err
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, COALESCE(display_name,''), presence, created_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.DisplayName, &a.Presence, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) SetAgentPresence(ctx context.Context, id, presence, displayName string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET presence=?, display_name=COALESCE(NULLIF(?,''), display_name) WHERE id=?`, presence, displayName, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
