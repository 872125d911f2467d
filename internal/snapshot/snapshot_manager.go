package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialize the dispatcher store image to a JSON snapshot file
// 2. Write atomically (temp file + fsync + rename) so a crash never leaves a
//    half-written snapshot behind
// 3. Check the schema version on load
// 4. Record the last journal sequence covered, so recovery replays only the tail
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/dispatcher-state/pkg/types"
)

// SchemaVersion is the snapshot format written by this package.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write stores data atomically, stamping the current schema version.
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

// WriteWithBackup moves the current snapshot aside with a timestamp suffix
// before writing, and keeps at most keepBackups of those copies.
func (m *Manager) WriteWithBackup(data types.SnapshotData, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405.000000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}
	if err := m.writeLocked(data); err != nil {
		return err
	}
	return m.pruneBackupsLocked(keepBackups)
}

// Load reads the snapshot. A missing file is a first start and yields an
// empty image at sequence zero.
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.SnapshotData{
				State:     types.NewStateImage(),
				SchemaVer: SchemaVersion,
				LastSeq:   0,
			}, nil
		}
		return types.SnapshotData{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data types.SnapshotData
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return types.SnapshotData{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return types.SnapshotData{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	fillImage(&data.State)
	return data, nil
}

// Exists reports whether a snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot file path.
func (m *Manager) GetPath() string {
	return m.path
}

// Backups lists the backup copies, oldest first.
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, p := range matches {
		if filepath.Ext(p) != ".tmp" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) writeLocked(data types.SnapshotData) error {
	data.SchemaVer = SchemaVersion

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if _, err := f.Write(jsonBytes); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

func (m *Manager) pruneBackupsLocked(keep int) error {
	if keep < 0 {
		return nil
	}
	backups, err := m.Backups()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("failed to prune snapshot backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}

// fillImage replaces nil collections left by a hand-edited or older file.
func fillImage(img *types.StateImage) {
	empty := types.NewStateImage()
	if img.Datasets == nil {
		img.Datasets = empty.Datasets
	}
	if img.Workers == nil {
		img.Workers = empty.Workers
	}
	if img.Jobs == nil {
		img.Jobs = empty.Jobs
	}
	if img.Tasks == nil {
		img.Tasks = empty.Tasks
	}
	if img.TasksByJob == nil {
		img.TasksByJob = empty.TasksByJob
	}
	if img.WorkersByJob == nil {
		img.WorkersByJob = empty.WorkersByJob
	}
	if img.JobClients == nil {
		img.JobClients = empty.JobClients
	}
	if img.NamedJobs == nil {
		img.NamedJobs = empty.NamedJobs
	}
}
