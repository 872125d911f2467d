package journal

import (
	"time"

	"github.com/ChuLiYu/dispatcher-state/pkg/types"
)

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the on-disk record and the replay callback
// ============================================================================

// Entry is one journal line: a state update plus its position and checksum.
type Entry struct {
	Seq       uint64           `json:"seq"`       // Monotonically increasing, survives rotation
	Type      types.UpdateType `json:"type"`      // Duplicates Update.Type for grep-ability
	Update    types.Update     `json:"update"`    // The applied update
	Timestamp int64            `json:"timestamp"` // Unix milliseconds at append time
	Checksum  uint32           `json:"checksum"`  // CRC32 over seq, type and update
}

// EntryHandler is called for each replayed entry, in sequence order.
// A non-nil error aborts Replay and is returned to the caller.
type EntryHandler func(entry Entry) error

// Options tunes buffering and durability.
type Options struct {
	// SyncOnAppend fsyncs the file on every flush.
	SyncOnAppend bool

	// BufferSize is the number of entries held before a flush is forced.
	BufferSize int

	// FlushInterval bounds how long a buffered entry may wait.
	FlushInterval time.Duration
}

// DefaultOptions flushes and syncs every entry immediately.
func DefaultOptions() Options {
	return Options{
		SyncOnAppend:  true,
		BufferSize:    1,
		FlushInterval: time.Second,
	}
}
