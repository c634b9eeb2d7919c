package repo

import (
	"context"
	"database/sql"
	"errors"
)

// Repo is a thin hand-written SQL layer over the workspace database.
// Mutations that must commit together with other rows take a *sql.Tx.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrVersionConflict means a version-guarded update matched the id but not
// the version: a concurrent writer committed after the caller's read.
var ErrVersionConflict = errors.New("version conflict")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r Repo) exec(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) query(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func ptrFromNull(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}
