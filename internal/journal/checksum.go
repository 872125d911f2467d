package journal

// ============================================================================
// Checksum
// Responsibility: CRC32 over an entry's sequence, type and canonical update
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
	"strconv"

	"github.com/ChuLiYu/dispatcher-state/pkg/types"
)

// CalculateChecksum returns CRC32-IEEE of "seq|type|update JSON". The timestamp
// is excluded.
func CalculateChecksum(seq uint64, update types.Update) (uint32, error) {
	body, err := json.Marshal(update)
	if err != nil {
		return 0, err
	}
	h := crc32.NewIEEE()
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(update.Type))
	h.Write([]byte{'|'})
	h.Write(body)
	return h.Sum32(), nil
}

// VerifyChecksum recomputes the entry's checksum and compares.
func VerifyChecksum(entry Entry) error {
	expected, err := CalculateChecksum(entry.Seq, entry.Update)
	if err != nil {
		return err
	}
	if entry.Type != entry.Update.Type || entry.Checksum != expected {
		return &ChecksumError{Seq: entry.Seq, Expected: expected, Actual: entry.Checksum}
	}
	return nil
}
