package snapshot

// ============================================================================
// Snapshot Manager tests
// Atomic write, load, version check and error handling
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dispatcher-state/internal/state"
	"github.com/ChuLiYu/dispatcher-state/pkg/types"
)

// sampleImage builds a store with a dataset, two workers, a job with a
// pending task and returns its image.
func sampleImage(t *testing.T) types.StateImage {
	t.Helper()
	s := state.New()
	for _, u := range []types.Update{
		types.NewRegisterDatasetUpdate(1, 1001),
		types.NewRegisterWorkerUpdate("w1", "t1"),
		types.NewRegisterWorkerUpdate("w2", "t2"),
		types.NewCreateJobUpdate(1, 1, types.ProcessingModeParallelEpochs, 0, types.JobTypeCompute).WithNumConsumers(2),
		types.NewAcquireJobClientUpdate(1, 1),
		types.NewCreatePendingTaskUpdate(1, 1, "w1", "t1", "k", 0),
		types.NewClientHeartbeatUpdate(1, true),
	} {
		require.NoError(t, s.Apply(u))
	}
	_, err := s.ReserveWorkers(1, 1)
	require.NoError(t, err)
	return s.Snapshot()
}

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	original := types.SnapshotData{State: sampleImage(t), LastSeq: 100}
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(100), loaded.LastSeq)
	assert.Equal(t, original.State, loaded.State)

	restored := state.New()
	require.NoError(t, restored.Restore(loaded.State))
	assert.Equal(t, []types.Worker{{Address: "w2", TransferAddress: "t2"}}, restored.ListAvailableWorkers())
}

func TestAtomicWriteLeavesNoTempFile(t *testing.T) {
	tempDir := t.TempDir()
	manager := NewManager(filepath.Join(tempDir, "test_snapshot.json"))

	require.NoError(t, manager.Write(types.SnapshotData{State: types.NewStateImage(), LastSeq: 1}))
	require.NoError(t, manager.Write(types.SnapshotData{State: sampleImage(t), LastSeq: 2}))

	files, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "test_snapshot.json", files[0].Name())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), loaded.LastSeq)
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(types.SnapshotData{State: types.NewStateImage()}))
	assert.True(t, manager.Exists())
}

func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	data, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, data.SchemaVer)
	assert.Zero(t, data.LastSeq)
	assert.Equal(t, types.NewStateImage(), data.State)
}

func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	raw, err := json.Marshal(types.SnapshotData{State: types.NewStateImage(), SchemaVer: 99})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, raw, 0644))

	_, err = NewManager(snapshotPath).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"state": {"datasets": `), 0644))

	_, err := NewManager(snapshotPath).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestLoadFillsMissingCollections(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"schema_ver": 1, "last_seq": 7, "state": {}}`), 0644))

	data, err := NewManager(snapshotPath).Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), data.LastSeq)
	assert.Equal(t, types.NewStateImage(), data.State)
}

func TestWriteFailure(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	readOnlyDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0555))
	defer os.Chmod(readOnlyDir, 0755)

	manager := NewManager(filepath.Join(readOnlyDir, "test_snapshot.json"))
	assert.Error(t, manager.Write(types.SnapshotData{State: types.NewStateImage()}))
}

func TestWriteWithBackupPrunes(t *testing.T) {
	tempDir := t.TempDir()
	manager := NewManager(filepath.Join(tempDir, "test_snapshot.json"))

	for seq := uint64(1); seq <= 4; seq++ {
		require.NoError(t, manager.WriteWithBackup(types.SnapshotData{State: types.NewStateImage(), LastSeq: seq}, 2))
	}

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), loaded.LastSeq)

	backups, err := manager.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 2)

	raw, err := os.ReadFile(backups[1])
	require.NoError(t, err)
	var newest types.SnapshotData
	require.NoError(t, json.Unmarshal(raw, &newest))
	assert.Equal(t, uint64(3), newest.LastSeq)
}

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			assert.NoError(t, manager.Write(types.SnapshotData{State: types.NewStateImage(), LastSeq: seq}))
		}(uint64(i))
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Less(t, loaded.LastSeq, uint64(10))
}

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "bench_snapshot.json"))
	img := types.NewStateImage()
	for i := int64(0); i < 1000; i++ {
		img.Jobs[i] = &types.Job{ID: i, PendingTasks: []types.PendingTask{}}
		img.TasksByJob[i] = []int64{}
	}
	data := types.SnapshotData{State: img, LastSeq: 1000}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := manager.Write(data); err != nil {
			b.Fatal(err)
		}
	}
}
