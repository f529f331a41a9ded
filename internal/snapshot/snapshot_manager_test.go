package snapshot

// ============================================================================
// Snapshot Manager tests: atomic write, load, version check, backups
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = "topology:\n  version: v7\n"

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "config.snapshot.json")
	manager := NewManager(path)
	assert.False(t, manager.Exists())

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	require.NoError(t, manager.Write(Data{
		Source:          "configs/default.yaml",
		TopologyVersion: "v7",
		Config:          []byte(sampleConfig),
		JournalSeq:      42,
	}))
	assert.True(t, manager.Exists())

	got, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, got.SchemaVer)
	assert.Equal(t, "v7", got.TopologyVersion)
	assert.Equal(t, sampleConfig, string(got.Config))
	assert.Equal(t, uint64(42), got.JournalSeq)
	assert.False(t, got.SavedAt.IsZero())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a write")
}

func TestLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	require.NoError(t, os.WriteFile(path, []byte("{invalid json"), 0o644))
	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)

	empty, _ := json.Marshal(Data{SchemaVer: SchemaVersion})
	require.NoError(t, os.WriteFile(path, empty, 0o644))
	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestLoadIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	raw, _ := json.Marshal(Data{SchemaVer: 99, Config: []byte(sampleConfig)})
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestWriteWithBackupPrunes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	m := NewManager(path)
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, m.WriteWithBackup(Data{Config: []byte(sampleConfig), JournalSeq: uint64(i)}, 2))
	}
	backups, err := m.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.JournalSeq)
}

func TestConcurrentWrites(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "snap.json"))
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.Write(Data{Config: []byte(sampleConfig), JournalSeq: uint64(i)}))
		}(i)
	}
	wg.Wait()
	_, err := m.Load()
	assert.NoError(t, err)
}
