package ledger

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/custody"
)

// ArchiveRecord marks a past entry as archived for retention lifecycle.
// History is never physically deleted; archival is itself an appended entry.
type ArchiveRecord struct {
	ArchivedSequence uint64 `json:"archived_seq"`
	Reason           string `json:"reason"`
}

// Archive appends an entry.archived record referencing seq.
func (l *Ledger) Archive(ctx context.Context, seq uint64, reason, actor string) (Entry, error) {
	l.mu.RLock()
	var tail uint64
	if n := len(l.entries); n > 0 {
		tail = l.entries[n-1].Sequence
	}
	l.mu.RUnlock()

	if seq == 0 || seq > tail {
		return Entry{}, fmt.Errorf("%w: cannot archive sequence %d", ErrBadRange, seq)
	}
	return l.Append(ctx, EventArchived, ArchiveRecord{ArchivedSequence: seq, Reason: reason}, actor)
}

// Tombstone appends a signed removal record for an artifact. Callers must
// have already established the actor's authority; the ledger records, it
// does not authorize.
func (l *Ledger) Tombstone(ctx context.Context, artifact digest.Digest, reason, actor string) (Entry, error) {
	ts := custody.Tombstone{
		ArtifactDigest: artifact,
		Actor:          actor,
		Reason:         reason,
		RemovedAt:      timeNow().UTC(),
	}
	return l.Append(ctx, EventTombstoned, ts, actor)
}
