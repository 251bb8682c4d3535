// Package persistence holds the typed result errors shared by the lease
// manager and entity stores. Callers branch on these with errors.Is instead
// of exception-driven control flow: a lease conflict is an expected outcome
// of concurrent polling, not a system failure.
package persistence

import "errors"

var (
	// ErrNotFound reports a missing entity or lease.
	ErrNotFound = errors.New("not found")

	// ErrConflict reports a recoverable collision: duplicate id on create,
	// lease held by another live holder, or a delete blocked by dependent
	// records.
	ErrConflict = errors.New("conflict")
)
