package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/meigma/custody"
)

type appendReq struct {
	eventType EventType
	payload   []byte
	actor     string
	result    chan appendRes
}

type appendRes struct {
	entry Entry
	err   error
}

// Append records an event and blocks until the entry is durable on disk.
// The payload is marshaled to canonical JSON; it must encode
// deterministically (structs, not maps). Concurrent callers are serialized
// by the writer goroutine, which alone assigns sequence numbers.
func (l *Ledger) Append(ctx context.Context, eventType EventType, payload any, actor string) (Entry, error) {
	body, err := canonicalPayload(payload)
	if err != nil {
		return Entry{}, err
	}

	req := appendReq{
		eventType: eventType,
		payload:   body,
		actor:     actor,
		result:    make(chan appendRes, 1),
	}

	select {
	case l.reqCh <- req:
	case <-l.quit:
		return Entry{}, ErrClosed
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}

	// The entry is owned by the writer now; wait for the durable result so
	// callers never act on an unacknowledged append.
	select {
	case res := <-req.result:
		return res.entry, res.err
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

// run is the single writer. It owns the tail hash and sequence counter; no
// other goroutine touches the backing files after Open returns.
func (l *Ledger) run() {
	defer close(l.done)
	for {
		select {
		case req := <-l.reqCh:
			entry, err := l.commit(req)
			req.result <- appendRes{entry: entry, err: err}
			if err == nil {
				l.notify(entry)
			}
		case <-l.quit:
			return
		}
	}
}

func (l *Ledger) commit(req appendReq) (Entry, error) {
	prev := genesisHash
	var seq uint64 = 1
	if head, ok := l.Head(); ok {
		prev = head.Hash
		seq = head.Sequence + 1
	}

	entry := Entry{
		Sequence:  seq,
		PrevHash:  prev,
		Hash:      entryHash(prev, req.payload, seq),
		EventType: req.eventType,
		Payload:   req.payload,
		Actor:     req.actor,
		CreatedAt: timeNow().UTC(),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: marshal entry: %w", err)
	}
	line = append(line, '\n')

	// Write-ahead first: if the process dies between here and the log
	// append, recovery completes or discards the entry from the marker.
	if err := l.writeWAL(line); err != nil {
		return Entry{}, err
	}

	if _, err := l.logFile.Write(line); err != nil {
		return Entry{}, fmt.Errorf("%w: append ledger log: %v", custody.ErrTransient, err)
	}
	if err := l.logFile.Sync(); err != nil {
		return Entry{}, fmt.Errorf("%w: sync ledger log: %v", custody.ErrTransient, err)
	}

	if err := l.clearWAL(); err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	l.log().Debug("ledger entry appended",
		"seq", entry.Sequence,
		"event", string(entry.EventType),
		"actor", entry.Actor)

	return entry, nil
}

func (l *Ledger) writeWAL(line []byte) error {
	f, err := os.OpenFile(l.walPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("%w: open wal: %v", custody.ErrTransient, err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("%w: write wal: %v", custody.ErrTransient, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync wal: %v", custody.ErrTransient, err)
	}
	return nil
}

func (l *Ledger) clearWAL() error {
	if err := os.Remove(l.walPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: clear wal: %v", custody.ErrTransient, err)
	}
	return nil
}

func (l *Ledger) notify(entry Entry) {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	for id, ch := range l.watchers {
		select {
		case ch <- entry:
		default:
			// Slow watcher; dropping keeps the append path non-blocking.
			// Watchers treat events as wake-ups and re-read state, so a
			// dropped event delays them until the next append at worst.
			l.log().Warn("ledger watcher lagging, event dropped",
				"watcher", id, "seq", entry.Sequence)
		}
	}
}
