package ledger

import (
	"context"
	"fmt"
)

const defaultVerifyLimit = 1000

// VerifyResult describes the outcome of a chain check.
// BrokenAtIndex is -1 when the chain is intact.
type VerifyResult struct {
	Valid         bool   `json:"valid"`
	TotalChecked  int    `json:"total_checked"`
	BrokenAtID    string `json:"broken_at_id,omitempty"`
	BrokenAtIndex int    `json:"broken_at_index"`
	Message       string `json:"message"`
}

// VerifyIntegrity checks the most recent limit entries (1000 when limit is
// not positive) in chain order. It reports rather than returns failures:
// a store error yields an invalid result with the error in Message.
func (l *Ledger) VerifyIntegrity(ctx context.Context, limit int) VerifyResult {
	if limit <= 0 {
		limit = defaultVerifyLimit
	}
	recent, err := l.query(ctx, Filter{Limit: limit})
	if err != nil {
		return VerifyResult{BrokenAtIndex: -1, Message: fmt.Sprintf("fetch entries: %v", err)}
	}
	return VerifyChain(Chronological(recent))
}

// Chronological returns a copy of entries (most recent first) in chain order.
func Chronological(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out
}

// VerifyChain checks entries given in chain order. Each entry must hash to
// its recorded Hash and link to its predecessor by PreviousHash and by
// consecutive Sequence. The first entry links to GenesisHash only when it
// is the first entry ever recorded. Entries without hash fields predate
// chaining and are skipped.
func VerifyChain(entries []Entry) VerifyResult {
	var prev *Entry
	checked := 0

	for i := range entries {
		e := entries[i]
		if e.Hash == "" || e.PreviousHash == "" {
			continue
		}
		checked++

		if got := ComputeHash(e); got != e.Hash {
			return broken(checked, i, e, fmt.Sprintf("hash mismatch at entry %s: computed %s, recorded %s", e.ID, got, e.Hash))
		}
		if prev == nil {
			if e.Sequence == 1 && e.PreviousHash != GenesisHash {
				return broken(checked, i, e, fmt.Sprintf("entry %s starts the chain but does not link to genesis", e.ID))
			}
		} else {
			if e.PreviousHash != prev.Hash {
				return broken(checked, i, e, fmt.Sprintf("chain broken at entry %s: previous_hash does not match entry %s", e.ID, prev.ID))
			}
			if e.Sequence != prev.Sequence+1 {
				return broken(checked, i, e, fmt.Sprintf("sequence gap at entry %s: %d follows %d", e.ID, e.Sequence, prev.Sequence))
			}
		}
		prev = &entries[i]
	}

	return VerifyResult{
		Valid:         true,
		TotalChecked:  checked,
		BrokenAtIndex: -1,
		Message:       fmt.Sprintf("chain intact: %d entries verified", checked),
	}
}

func broken(checked, index int, e Entry, msg string) VerifyResult {
	return VerifyResult{
		Valid:         false,
		TotalChecked:  checked,
		BrokenAtID:    e.ID,
		BrokenAtIndex: index,
		Message:       msg,
	}
}
