package journal

// ============================================================================
// Journal utilities
// Responsibility: offline inspection of journal files (recovery, CLI)
// ============================================================================

import (
	"errors"
	"os"

	"github.com/ChuLiYu/dispatcher-state/pkg/types"
)

// ReplayFile calls handler for every entry with Seq > afterSeq in the file at
// path without opening it for writing. A missing file has no entries.
func ReplayFile(path string, afterSeq uint64, handler EntryHandler) error {
	err := scan(path, func(entry Entry) error {
		if entry.Seq <= afterSeq {
			return nil
		}
		return handler(entry)
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// LastEntry returns the last entry in the file at path, verifying every entry
// on the way. A file without entries yields ErrEmptyJournal.
func LastEntry(path string) (*Entry, error) {
	var last *Entry
	err := scan(path, func(entry Entry) error {
		last = &entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyJournal
	}
	return last, nil
}

// CountEntries returns the number of entries in the file at path.
func CountEntries(path string) (int, error) {
	var n int
	err := scan(path, func(Entry) error {
		n++
		return nil
	})
	return n, err
}

// Validate checks that every line decodes, every checksum matches and
// sequence numbers strictly increase.
func Validate(path string) error {
	_, err := Inspect(path)
	return err
}

// Stats summarizes a journal file.
type Stats struct {
	Entries  int                      `json:"entries"`
	FirstSeq uint64                   `json:"first_seq"`
	LastSeq  uint64                   `json:"last_seq"`
	ByType   map[types.UpdateType]int `json:"by_type"`
}

// Inspect scans the whole file and returns its statistics. On error the stats
// cover the entries read before the failure.
func Inspect(path string) (*Stats, error) {
	stats := &Stats{ByType: make(map[types.UpdateType]int)}
	err := scan(path, func(entry Entry) error {
		if stats.Entries == 0 {
			stats.FirstSeq = entry.Seq
		}
		stats.Entries++
		stats.LastSeq = entry.Seq
		stats.ByType[entry.Type]++
		return nil
	})
	return stats, err
}
