package presence

import (
	"context"
	"time"
)

// Store is the contract every presence backend satisfies. It is
// deliberately narrow: the matchmaking core needs read, merge-patch
// write, one conditional write, delete, two bounded queries and a
// change feed — nothing else.
//
// Change delivery is at-least-once. Events for the same row arrive in
// commit order; no ordering is guaranteed across rows.
type Store interface {
	// Get returns the row for id, or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// Upsert creates or fully replaces the row for rec.ID.
	Upsert(ctx context.Context, rec Record) error

	// UpdateFields merge-patches the row for id, or returns ErrNotFound.
	UpdateFields(ctx context.Context, id string, f Fields) error

	// ClaimWaiting applies f to the row for id only while that row still
	// has waiting status and no partner. This is the one write that must
	// be conditional: it is what keeps concurrent matchmaking attempts
	// from pairing the same participant twice. Returns ErrConflict when
	// the condition no longer holds, ErrNotFound when the row is gone.
	ClaimWaiting(ctx context.Context, id string, f Fields) error

	// Delete removes the row for id. Deleting an absent row is not an
	// error — any observer may reap a stale record.
	Delete(ctx context.Context, id string) error

	// QueryWaiting returns up to a small number of waiting candidates,
	// excluding the given id and rows whose LastSeen is older than
	// maxAge. Order is undefined.
	QueryWaiting(ctx context.Context, excluding string, maxAge time.Duration) ([]Record, error)

	// QueryActive returns all rows with LastSeen within maxAge. A
	// maxAge <= 0 disables the cutoff and returns every row — the reaper
	// needs to see expired rows too.
	QueryActive(ctx context.Context, maxAge time.Duration) ([]Record, error)

	// Subscribe returns a channel of row changes and a cancel func.
	// The channel is closed on cancel and on store Close.
	Subscribe() (<-chan Change, func())

	// Close releases the store. All subscriptions are cancelled.
	Close() error
}

// queryLimit bounds QueryWaiting results; pairing only ever needs a
// handful of candidates to pick from.
const queryLimit = 8
