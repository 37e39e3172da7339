package ledger

import (
	"fmt"
	"slices"
	"time"
)

// Filter selects entries for a query. Zero values match everything.
type Filter struct {
	// FromSequence and ToSequence bound the sequence range, inclusive.
	// Zero means unbounded.
	FromSequence uint64
	ToSequence   uint64

	// EventTypes restricts matches to the listed types.
	EventTypes []EventType

	// Actor restricts matches to one actor.
	Actor string

	// Since and Until bound CreatedAt, inclusive of Since, exclusive of Until.
	Since time.Time
	Until time.Time
}

func (f *Filter) matches(e *Entry) bool {
	if f.FromSequence != 0 && e.Sequence < f.FromSequence {
		return false
	}
	if f.ToSequence != 0 && e.Sequence > f.ToSequence {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// Query returns the matching entries in append order. It reads a snapshot of
// the committed chain; concurrent appends only extend the tail and are never
// partially visible.
func (l *Ledger) Query(f Filter) []Entry {
	l.mu.RLock()
	snapshot := l.entries
	l.mu.RUnlock()

	var out []Entry
	for i := range snapshot {
		if f.matches(&snapshot[i]) {
			out = append(out, snapshot[i])
		}
	}
	return out
}

// VerifyChain recomputes every entry hash in [from, to] and confirms the
// stored hashes, link to each predecessor, and gapless strictly increasing
// sequence numbers. Sequence numbers are 1-based; to=0 means the tail.
func (l *Ledger) VerifyChain(from, to uint64) error {
	l.mu.RLock()
	snapshot := l.entries
	l.mu.RUnlock()

	if len(snapshot) == 0 {
		if from <= 1 && to == 0 {
			return nil
		}
		return fmt.Errorf("%w: ledger is empty", ErrBadRange)
	}

	if from == 0 {
		from = 1
	}
	if to == 0 {
		to = snapshot[len(snapshot)-1].Sequence
	}
	if from > to || to > snapshot[len(snapshot)-1].Sequence {
		return fmt.Errorf("%w: [%d, %d]", ErrBadRange, from, to)
	}

	prev := genesisHash
	if from > 1 {
		prev = snapshot[from-2].Hash
	}

	expect := from
	for _, e := range snapshot[from-1 : to] {
		if e.Sequence != expect {
			return fmt.Errorf("%w: sequence gap at %d (got %d)", ErrCorrupt, expect, e.Sequence)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: prev hash mismatch at seq %d", ErrCorrupt, e.Sequence)
		}
		if e.Hash != entryHash(prev, e.Payload, e.Sequence) {
			return fmt.Errorf("%w: entry hash mismatch at seq %d", ErrCorrupt, e.Sequence)
		}
		prev = e.Hash
		expect++
	}
	return nil
}

// Watch registers a buffered channel receiving newly appended entries. The
// returned cancel function unregisters it. Delivery is best-effort: a
// watcher that falls behind misses events, so watchers must treat events as
// wake-ups and re-read ledger state rather than as a complete stream.
func (l *Ledger) Watch(buffer int) (<-chan Entry, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Entry, buffer)

	l.watchMu.Lock()
	id := l.watchSeq
	l.watchSeq++
	l.watchers[id] = ch
	l.watchMu.Unlock()

	cancel := func() {
		l.watchMu.Lock()
		if c, ok := l.watchers[id]; ok {
			delete(l.watchers, id)
			close(c)
		}
		l.watchMu.Unlock()
	}
	return ch, cancel
}
