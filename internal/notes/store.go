package notes

import (
	"context"
	"time"
)

// InsertResult enumerates the outcomes of an insert-if-absent call.
type InsertResult int

const (
	// InsertFailed means the store call failed for a reason other than a key conflict.
	InsertFailed InsertResult = iota
	// Inserted means the record was stored.
	Inserted
	// InsertCollision means a record with the same code already exists.
	InsertCollision
)

// String returns a log-friendly label.
func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case InsertCollision:
		return "collision"
	default:
		return "failed"
	}
}

// DeleteFilter narrows a delete-by-code call. Zero-valued guards are ignored.
type DeleteFilter struct {
	Code Code
	// ExpiredAsOf deletes only when the stored note expires at or before this instant.
	ExpiredAsOf time.Time
	// CreatedAt deletes only when the stored note was created at this instant.
	CreatedAt time.Time
}

func (f DeleteFilter) matches(note Note) bool {
	if !f.ExpiredAsOf.IsZero() && !note.ExpiredAt(f.ExpiredAsOf) {
		return false
	}
	if !f.CreatedAt.IsZero() && !note.CreatedAt.Equal(f.CreatedAt) {
		return false
	}
	return true
}

// Store is the persistence contract the registry relies on.
type Store interface {
	// Insert stores the note unless a record with its code already exists.
	Insert(ctx context.Context, note Note) (InsertResult, error)
	// SelectOne returns the stored note for the code, live or not.
	SelectOne(ctx context.Context, code Code) (Note, bool, error)
	// Delete removes the note matching the filter and reports whether a row went away.
	Delete(ctx context.Context, filter DeleteFilter) (bool, error)
	// DeleteExpired removes every note expired at now and returns their codes.
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)
	// Ping checks store reachability.
	Ping(ctx context.Context) error
}
