// Package store defines the daemon's observability journal.  It records what
// the daemon did (mutations forwarded to bd, refresh outcomes), never issue
// state itself, which always comes fresh from the tracker.
package store

import (
	"context"
	"time"
)

// Kind classifies a journal entry.
type Kind string

const (
	// KindMutation is recorded for every mutation forwarded to bd,
	// successful or not.
	KindMutation Kind = "mutation"

	// KindRefresh is recorded when a subscription refresh published a
	// non-empty delta.
	KindRefresh Kind = "refresh"
)

// Entry is one persisted journal record.
//
// For mutations, Subject is the issue id (or the new issue's id for creates)
// and Detail is the operation name plus the error message on failure.
// For refreshes, Subject is the subscription key and Detail summarises the
// delta sizes.
type Entry struct {
	ID      int64     `json:"id"`
	Kind    Kind      `json:"kind"`
	Subject string    `json:"subject"`
	Detail  string    `json:"detail"`
	OK      bool      `json:"ok"`
	TS      time.Time `json:"ts"`
}

// Store is the journal abstraction.  All methods are context-aware.
// A nil Store is legal everywhere; callers must treat it as a no-op.
type Store interface {
	// Record persists a single journal entry.
	Record(ctx context.Context, kind Kind, subject, detail string, ok bool) error

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	Close() error
}
