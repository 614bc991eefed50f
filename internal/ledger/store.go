package ledger

import "context"

// Store is the durable backing for the ledger. Implementations live under
// internal/store. Query returns entries most recent first and honors
// Filter.Limit/Offset; Count ignores pagination.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	Query(ctx context.Context, f Filter) ([]Entry, error)
	Count(ctx context.Context, f Filter) (int, error)
}

// Notifier receives high and critical entries as they are recorded.
// Notify must not block on I/O.
type Notifier interface {
	Notify(e Entry)
}
