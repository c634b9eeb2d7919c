package engine

import (
	"errors"
	"fmt"

	"deskline/internal/repo"
)

// ErrAlreadyClaimed is returned to every claimer that loses the queue race.
// The caller is expected to re-fetch the queue rather than retry blindly.
var ErrAlreadyClaimed = errors.New("session already claimed by another agent")

// ErrSessionClosed rejects message flow into a closed session.
var ErrSessionClosed = errors.New("session is closed")

// TransitionError reports a state machine violation.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition %s -> %s", e.Entity, e.From, e.To)
}

// ForbiddenError reports an actor acting outside their rights, e.g. a
// release attempted by someone other than the assignee.
type ForbiddenError struct {
	AgentID string
	Reason  string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("agent %s: %s", e.AgentID, e.Reason)
}

// ValidationError reports malformed input.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// ConflictError reports an optimistic concurrency failure: the entity moved
// on since the version the caller last saw.
type ConflictError struct {
	Entity   string
	ID       string
	Expected int64
	Actual   int64
}

func (e ConflictError) Error() string {
	if e.Expected == 0 && e.Actual == 0 {
		return fmt.Sprintf("%s %s changed concurrently, re-fetch and retry", e.Entity, e.ID)
	}
	return fmt.Sprintf("%s %s version mismatch: expected %d, have %d", e.Entity, e.ID, e.Expected, e.Actual)
}

// versionLost converts the repo's lost-race sentinel into a ConflictError,
// so callers see the same kind whether the stale version was caught on the
// pre-read or on the guarded update itself.
func versionLost(entity, id string, err error) error {
	if errors.Is(err, repo.ErrVersionConflict) {
		return ConflictError{Entity: entity, ID: id}
	}
	return err
}
