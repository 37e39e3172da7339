// Package ledger implements the append-only, hash-linked audit log that is
// the system of record for the promotion pipeline. Every entry's hash covers
// the previous entry's hash, the canonical payload, and the sequence number,
// so tampering or missing entries are detectable by recomputation.
//
// All appends serialize through a single writer goroutine that owns the tail
// pointer and sequence counter. Reads never block appends and never observe
// partially written entries.
package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/custody"
)

// Sentinel errors.
var (
	// ErrClosed is returned when appending to a closed ledger.
	ErrClosed = fmt.Errorf("%w: ledger closed", custody.ErrTransient)

	// ErrCorrupt is returned when the stored chain fails verification.
	ErrCorrupt = fmt.Errorf("%w: ledger chain corrupt", custody.ErrIntegrity)

	// ErrBadRange is returned for an invalid verification or query range.
	ErrBadRange = fmt.Errorf("%w: invalid sequence range", custody.ErrConfig)
)

// EventType classifies a ledger entry.
type EventType string

// Event types recorded by the pipeline.
const (
	EventManifestResolved EventType = "manifest.resolved"
	EventArtifactLanded   EventType = "artifact.landed"
	EventDigestChecked    EventType = "artifact.digest_checked"
	EventChainVerified    EventType = "artifact.chain_verified"
	EventPolicyEvaluated  EventType = "artifact.policy_evaluated"
	EventArtifactPromoted EventType = "artifact.promoted"
	EventQuarantined      EventType = "artifact.quarantined"
	EventHeldForReview    EventType = "artifact.held"
	EventWaiverRecorded   EventType = "waiver.recorded"
	EventWaiverRejected   EventType = "waiver.rejected"
	EventComplianceGap    EventType = "artifact.compliance_gap"
	EventTombstoned       EventType = "artifact.tombstoned"
	EventArchived         EventType = "entry.archived"
)

// Entry is one immutable record in the ledger.
type Entry struct {
	Sequence  uint64          `json:"seq"`
	PrevHash  digest.Digest   `json:"prev_hash"`
	Hash      digest.Digest   `json:"hash"`
	EventType EventType       `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Actor     string          `json:"actor"`
	CreatedAt time.Time       `json:"created_at"`
}

const (
	logName = "ledger.log"
	walName = "ledger.wal"

	filePerm = 0o600
	dirPerm  = 0o700
)

// genesisHash anchors the chain for an empty ledger.
var genesisHash = digest.Canonical.FromBytes(nil)

// entryHash computes Hash(prev_hash || canonical(payload) || sequence_no).
func entryHash(prev digest.Digest, payload []byte, seq uint64) digest.Digest {
	digester := digest.Canonical.Digester()
	h := digester.Hash()
	h.Write([]byte(prev))
	h.Write(payload)
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	return digester.Digest()
}

// canonicalPayload compacts v's JSON encoding. Payload structs use fixed
// field order (no maps with interface values) so encoding is deterministic.
func canonicalPayload(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal payload: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("ledger: compact payload: %w", err)
	}
	return buf.Bytes(), nil
}

// Ledger is an append-only hash-chained event log backed by a JSONL file
// with a write-ahead marker for crash recovery.
type Ledger struct {
	dir    string
	logger *slog.Logger

	logFile *os.File

	reqCh chan appendReq
	quit  chan struct{}
	done  chan struct{}

	mu      sync.RWMutex
	entries []Entry
	closed  bool

	watchMu  sync.Mutex
	watchers map[int]chan Entry
	watchSeq int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger for ledger operations. If not set, logging is
// disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// Open opens (or creates) the ledger stored in dir, recovers any incomplete
// tail write, verifies the loaded chain, and starts the writer.
func Open(dir string, opts ...Option) (*Ledger, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: ledger dir is empty", custody.ErrConfig)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("%w: create ledger dir: %v", custody.ErrTransient, err)
	}

	l := &Ledger{
		dir:      dir,
		reqCh:    make(chan appendReq),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		watchers: make(map[int]chan Entry),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.recover(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(l.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return nil, fmt.Errorf("%w: open ledger log: %v", custody.ErrTransient, err)
	}
	l.logFile = f

	go l.run()
	return l, nil
}

func (l *Ledger) logPath() string { return filepath.Join(l.dir, logName) }
func (l *Ledger) walPath() string { return filepath.Join(l.dir, walName) }

func (l *Ledger) log() *slog.Logger {
	if l.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.logger
}

// Close stops the writer and closes the backing file. Pending appends fail
// with ErrClosed.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.quit)
	<-l.done

	l.watchMu.Lock()
	for id, ch := range l.watchers {
		close(ch)
		delete(l.watchers, id)
	}
	l.watchMu.Unlock()

	return l.logFile.Close()
}

// Head returns the most recent entry and true, or false for an empty ledger.
func (l *Ledger) Head() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
