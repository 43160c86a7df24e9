// Package errdefs defines the sentinel errors shared across component
// boundaries. The HTTP layer maps them to status codes; components wrap
// them with context via fmt.Errorf("...: %w", err).
package errdefs

import "errors"

var (
	// ErrNotFound indicates a document or node does not exist
	ErrNotFound = errors.New("not found")

	// ErrExists indicates an insert collided with an existing _id
	ErrExists = errors.New("already exists")

	// ErrNotHealthy indicates an operation requires a healthy node
	ErrNotHealthy = errors.New("node not healthy")

	// ErrLockBusy indicates the per-tenant migration lock is held
	ErrLockBusy = errors.New("migration already in progress")

	// ErrRateLimited indicates the caller exceeded the migration rate limit
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrNoQuorum indicates the cluster lost its healthy majority
	ErrNoQuorum = errors.New("no quorum")

	// ErrConflict indicates an import hit an _id collision under the
	// fail policy
	ErrConflict = errors.New("conflict")

	// ErrNoWritableNode indicates no healthy master can take a write
	ErrNoWritableNode = errors.New("no writable node available")

	// ErrValidation indicates a malformed or unsafe migration package
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized indicates a missing or invalid cluster token
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUpstream indicates a forwarded request could not reach its target
	ErrUpstream = errors.New("upstream unavailable")

	// ErrCancelled indicates a transfer or migration was cancelled
	ErrCancelled = errors.New("cancelled")
)
