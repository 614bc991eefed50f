package ledger

import (
	"context"
	"fmt"
	"sort"
)

func fmtErr(op string, err error) error {
	return fmt.Errorf("ledger: %s: %w", op, err)
}

// Query returns entries matching f, most recent first. Entries still in the
// buffer or in a running flush are merged with stored ones, so a query never misses an entry that
// Record has already returned. Limit defaults to 100 and is capped at 1000.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	return l.query(ctx, f.Clamp())
}

func (l *Ledger) query(ctx context.Context, f Filter) ([]Entry, error) {
	pending := l.pending(f)
	if l.store == nil {
		return f.Page(pending), nil
	}

	sf := f
	sf.Offset = 0
	sf.Limit = f.Offset + f.EffectiveLimit()
	stored, err := l.store.Query(ctx, sf)
	if err != nil {
		return nil, fmtErr("query store", err)
	}
	return f.Page(mergeRecent(stored, pending)), nil
}

// Count returns the number of entries matching f, ignoring pagination.
func (l *Ledger) Count(ctx context.Context, f Filter) (int, error) {
	pending := l.pending(f)
	if l.store == nil {
		return len(pending), nil
	}
	n, err := l.store.Count(ctx, f)
	if err != nil {
		return 0, fmtErr("count store", err)
	}
	return n + len(pending), nil
}

// pending snapshots unwritten entries matching f, most recent first. The
// buffer always holds later sequences than the in-flight batch.
func (l *Ledger) pending(f Filter) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.buffer)+len(l.inflight))
	for _, batch := range [][]Entry{l.buffer, l.inflight} {
		for i := len(batch) - 1; i >= 0; i-- {
			if f.Match(batch[i]) {
				out = append(out, batch[i])
			}
		}
	}
	return out
}

// mergeRecent combines stored and buffered entries by descending sequence.
// An entry flushed between the two snapshots appears in both; it is kept once.
func mergeRecent(stored, pending []Entry) []Entry {
	seen := make(map[string]bool, len(stored)+len(pending))
	out := make([]Entry, 0, len(stored)+len(pending))
	for _, batch := range [][]Entry{pending, stored} {
		for _, e := range batch {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Sequence > out[j].Sequence
	})
	return out
}
