package journal

// ============================================================================
// Journal core
// Responsibilities:
// 1. Append state updates to a JSON-lines file (append-only)
// 2. Replay entries after a given sequence number to rebuild state
// 3. Rotate the file after a snapshot without resetting sequence numbers
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/dispatcher-state/pkg/types"
)

// maxLineSize bounds a single encoded entry.
const maxLineSize = 16 << 20

// FileInterface is the subset of *os.File the journal writes through.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Journal is an append-only log of state updates.
type Journal struct {
	mu     sync.Mutex
	file   FileInterface
	path   string
	seq    uint64
	opts   Options
	closed bool

	// flushedSeq is the seq of the last entry written to the file. A failed
	// flush rolls seq back to it.
	flushedSeq uint64
	// broken is set when a write left a partial line in the file.
	broken error

	buffer        []Entry
	lastFlushTime time.Time
}

// Open creates or opens the journal at path in append mode. The sequence
// counter resumes after the last entry in the file; a file that cannot be
// scanned is reported rather than silently restarted at zero.
func Open(path string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1
	}

	var seq uint64
	last, err := LastEntry(path)
	switch {
	case err == nil:
		seq = last.Seq
	case errors.Is(err, os.ErrNotExist), errors.Is(err, ErrEmptyJournal):
	default:
		return nil, fmt.Errorf("journal: recover last seq from %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	return &Journal{
		file:          file,
		path:          path,
		seq:           seq,
		flushedSeq:    seq,
		opts:          opts,
		buffer:        make([]Entry, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append assigns the next sequence number to update and buffers it. The
// buffer is written out when forceFlush is set, when it is full, or when the
// flush interval has elapsed. If that write fails every unflushed entry,
// including this one, is discarded and its sequence number is reused.
func (j *Journal) Append(update types.Update, forceFlush bool) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrJournalClosed
	}
	if j.broken != nil {
		return 0, j.broken
	}

	seq := j.seq + 1
	checksum, err := CalculateChecksum(seq, update)
	if err != nil {
		return 0, fmt.Errorf("journal: encode update %s: %w", update.Type, err)
	}
	j.seq = seq
	j.buffer = append(j.buffer, Entry{
		Seq:       seq,
		Type:      update.Type,
		Update:    update,
		Timestamp: time.Now().UnixMilli(),
		Checksum:  checksum,
	})

	needFlush := forceFlush ||
		len(j.buffer) >= j.opts.BufferSize ||
		(j.opts.FlushInterval > 0 && time.Since(j.lastFlushTime) > j.opts.FlushInterval)
	if needFlush {
		if err := j.flushLocked(); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// Flush writes every buffered entry to the file.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	return j.flushLocked()
}

// Replay calls handler for every entry with Seq > afterSeq, in file order.
// Buffered entries are flushed first. Replay stops at the first undecodable
// line, checksum mismatch, non-increasing sequence number or handler error.
func (j *Journal) Replay(afterSeq uint64, handler EntryHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	return scan(j.path, func(entry Entry) error {
		if entry.Seq <= afterSeq {
			return nil
		}
		return handler(entry)
	})
}

// Rotate flushes, moves the current file aside with a timestamp suffix and
// starts an empty file. Sequence numbers continue from where they were.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("journal: close before rotate: %w", err)
	}

	backupPath := j.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(j.path, backupPath); err != nil {
		return fmt.Errorf("journal: archive %s: %w", j.path, err)
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("journal: reopen %s: %w", j.path, err)
	}
	j.file = file
	j.broken = nil
	j.lastFlushTime = time.Now()
	return nil
}

// AdvanceSeq moves the sequence counter forward to at least floor. After a
// rotation the file no longer holds the last sequence number, so recovery
// passes in the one recorded by the snapshot.
func (j *Journal) AdvanceSeq(floor uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq = max(j.seq, floor)
	j.flushedSeq = max(j.flushedSeq, floor)
}

// LastSeq returns the sequence number of the most recent Append.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Close flushes, syncs and closes the file. Closing twice is a no-op.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	if err := j.flushLocked(); err != nil {
		j.file.Close()
		return err
	}
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return fmt.Errorf("journal: sync: %w", err)
	}
	return j.file.Close()
}

// flushLocked writes the buffered entries in one call. Caller holds j.mu.
//
// The buffer is emptied whether or not the write succeeds. On failure seq
// rolls back to the last written entry, so a discarded entry never reaches
// the file and its number is handed out again.
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}

	var data []byte
	for _, entry := range j.buffer {
		line, err := json.Marshal(entry)
		if err != nil {
			j.discardLocked()
			return fmt.Errorf("journal: encode seq=%d: %w", entry.Seq, err)
		}
		data = append(data, line...)
		data = append(data, '\n')
	}

	first, last := j.buffer[0].Seq, j.buffer[len(j.buffer)-1].Seq
	n, err := j.file.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		j.discardLocked()
		err = fmt.Errorf("journal: write seq=%d..%d: %w", first, last, err)
		if n > 0 {
			j.broken = fmt.Errorf("%w: %w", ErrPartialWrite, err)
		}
		return err
	}

	j.buffer = j.buffer[:0]
	j.flushedSeq = last
	j.lastFlushTime = time.Now()
	if j.opts.SyncOnAppend {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal: sync: %w", err)
		}
	}
	return nil
}

func (j *Journal) discardLocked() {
	j.buffer = j.buffer[:0]
	j.seq = j.flushedSeq
}

// scan decodes every line of the file at path and verifies it before handing
// it to fn. Blank lines are skipped.
func scan(path string, fn func(Entry) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return scanReader(file, fn)
}

func scanReader(r io.Reader, fn func(Entry) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	var line int
	var prev uint64
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := VerifyChecksum(entry); err != nil {
			return err
		}
		if entry.Seq <= prev {
			return fmt.Errorf("%w: seq=%d after seq=%d at line %d", ErrOutOfOrder, entry.Seq, prev, line)
		}
		prev = entry.Seq

		if err := fn(entry); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &CorruptionError{Line: line + 1, Cause: err}
	}
	return nil
}
