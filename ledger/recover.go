package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/meigma/custody"
)

// timeNow is swapped in tests.
var timeNow = time.Now

const maxLineBytes = 16 << 20

// recover loads the persisted chain and repairs an incomplete tail write.
// A crash can leave either a torn last line in the log (entry in the WAL,
// log append interrupted) or a WAL entry that never reached the log. Both
// are resolved here so readers never observe a hash-inconsistent tail.
func (l *Ledger) recover() error {
	wal := l.readWAL()

	data, err := os.ReadFile(l.logPath())
	if err != nil {
		if os.IsNotExist(err) {
			data = nil
		} else {
			return fmt.Errorf("%w: read ledger log: %v", custody.ErrTransient, err)
		}
	}

	entries, goodLen, tornErr := parseChain(data)
	if tornErr != nil {
		// Only a torn tail is repairable; corruption mid-chain is fatal.
		if !tornErr.tail {
			return fmt.Errorf("%w: entry %d: %v", ErrCorrupt, tornErr.seq, tornErr.err)
		}
		l.log().Warn("truncating torn ledger tail", "offset", goodLen)
		if err := os.Truncate(l.logPath(), int64(goodLen)); err != nil {
			return fmt.Errorf("%w: truncate torn tail: %v", custody.ErrTransient, err)
		}
	}

	l.entries = entries

	if wal != nil {
		if err := l.resolveWAL(wal); err != nil {
			return err
		}
	}
	return l.clearWAL()
}

// resolveWAL completes or discards the write-ahead entry.
func (l *Ledger) resolveWAL(wal *Entry) error {
	var tailSeq uint64
	prev := genesisHash
	if n := len(l.entries); n > 0 {
		tailSeq = l.entries[n-1].Sequence
		prev = l.entries[n-1].Hash
	}

	switch {
	case wal.Sequence <= tailSeq:
		// Already committed before the crash; the marker just outlived it.
		return nil
	case wal.Sequence == tailSeq+1 && wal.PrevHash == prev && wal.Hash == entryHash(prev, wal.Payload, wal.Sequence):
		line, err := json.Marshal(wal)
		if err != nil {
			return fmt.Errorf("ledger: marshal recovered entry: %w", err)
		}
		line = append(line, '\n')
		f, err := os.OpenFile(l.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
		if err != nil {
			return fmt.Errorf("%w: reopen ledger log: %v", custody.ErrTransient, err)
		}
		defer f.Close()
		if _, err := f.Write(line); err != nil {
			return fmt.Errorf("%w: replay wal entry: %v", custody.ErrTransient, err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("%w: sync replayed entry: %v", custody.ErrTransient, err)
		}
		l.entries = append(l.entries, *wal)
		l.log().Info("completed interrupted ledger append from wal", "seq", wal.Sequence)
		return nil
	default:
		// Never acknowledged and does not chain; the caller saw an error,
		// so dropping it is safe.
		l.log().Warn("discarding unchained wal entry", "seq", wal.Sequence)
		return nil
	}
}

// readWAL returns the write-ahead entry if one exists and is internally
// consistent, nil otherwise.
func (l *Ledger) readWAL() *Entry {
	data, err := os.ReadFile(l.walPath())
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var e Entry
	if err := json.Unmarshal(bytes.TrimSpace(data), &e); err != nil {
		l.log().Warn("discarding unparsable wal", "error", err.Error())
		return nil
	}
	if e.Hash != entryHash(e.PrevHash, e.Payload, e.Sequence) {
		l.log().Warn("discarding wal entry with bad hash", "seq", e.Sequence)
		return nil
	}
	return &e
}

// chainError describes where chain parsing stopped.
type chainError struct {
	seq  uint64
	err  error
	tail bool
}

// parseChain decodes and verifies the JSONL chain. It returns the verified
// entries, the byte length of the verified prefix, and a non-nil chainError
// when a line fails to decode or chain (tail=true when the failure is the
// final line, the only repairable case).
func parseChain(data []byte) ([]Entry, int, *chainError) {
	var entries []Entry
	prev := genesisHash
	var prevSeq uint64
	goodLen := 0

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64<<10), maxLineBytes)

	lineStart := 0
	for sc.Scan() {
		line := sc.Bytes()
		lineEnd := lineStart + len(line) + 1 // newline

		cerr := func(seq uint64, err error) *chainError {
			return &chainError{seq: seq, err: err, tail: lineEnd >= len(data)}
		}

		if len(bytes.TrimSpace(line)) == 0 {
			lineStart = lineEnd
			continue
		}

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return entries, goodLen, cerr(prevSeq+1, err)
		}
		if e.Sequence != prevSeq+1 {
			return entries, goodLen, cerr(e.Sequence, fmt.Errorf("sequence gap: want %d, got %d", prevSeq+1, e.Sequence))
		}
		if e.PrevHash != prev {
			return entries, goodLen, cerr(e.Sequence, fmt.Errorf("prev hash mismatch"))
		}
		if e.Hash != entryHash(prev, e.Payload, e.Sequence) {
			return entries, goodLen, cerr(e.Sequence, fmt.Errorf("entry hash mismatch"))
		}

		entries = append(entries, e)
		prev = e.Hash
		prevSeq = e.Sequence
		goodLen = lineEnd
		if goodLen > len(data) {
			goodLen = len(data)
		}
		lineStart = lineEnd
	}
	if err := sc.Err(); err != nil {
		return entries, goodLen, &chainError{seq: prevSeq + 1, err: err, tail: true}
	}
	return entries, goodLen, nil
}
