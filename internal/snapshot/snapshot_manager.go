package snapshot

// ============================================================================
// Responsibilities:
// 1. Persist the last accepted sorter configuration as a JSON snapshot
// 2. Write atomically (temp file + rename) so a crash never leaves a torn file
// 3. Verify the schema version on load
// 4. Give the config layer a last-good fallback when the live file is
//    unreadable or invalid at boot
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// SchemaVersion is the snapshot layout written by this package.
const SchemaVersion = 1

// ============================================================================
// Error definitions
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// ============================================================================
// Data structures
// ============================================================================

// Data is one persisted configuration.
type Data struct {
	SchemaVer       int       `json:"schema_ver"`
	SavedAt         time.Time `json:"saved_at"`
	Source          string    `json:"source"`           // file the config was read from
	TopologyVersion string    `json:"topology_version"` // for operators comparing snapshots
	Config          []byte    `json:"config"`           // raw YAML document
	JournalSeq      uint64    `json:"journal_seq"`      // journal position when saved
}

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// ============================================================================
// Core methods
// ============================================================================

// NewManager creates a manager for path.
func NewManager(path string) *Manager {
	return &Manager{path: path, now: time.Now}
}

// Write atomically replaces the snapshot.
//
// Parameters:
//   - data: snapshot content; SchemaVer and a zero SavedAt are filled in
//
// Returns:
//   - error: marshal, write or rename failure
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data Data) error {
	data.SchemaVer = SchemaVersion
	if data.SavedAt.IsZero() {
		data.SavedAt = m.now()
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot.
//
// Returns:
//   - Data: the snapshot
//   - error: ErrSnapshotNotFound, ErrCorruptedSnapshot or
//     ErrIncompatibleVersion
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data Data
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, ErrSnapshotNotFound
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if len(data.Config) == 0 {
		return data, fmt.Errorf("%w: empty config document", ErrCorruptedSnapshot)
	}
	return data, nil
}

// Exists reports whether the snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot path.
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup moves the current snapshot aside before writing and keeps
// at most keepBackups old copies.
func (m *Manager) WriteWithBackup(data Data, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backupPath := fmt.Sprintf("%s.%s", m.path, m.now().Format("20060102_150405.000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}
	if err := m.writeLocked(data); err != nil {
		return err
	}
	return m.pruneLocked(keepBackups)
}

// Backups lists backup files, oldest first.
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, p := range matches {
		if !strings.HasSuffix(p, ".tmp") {
			out = append(out, p)
		}
	}
	// The timestamp suffix sorts chronologically.
	sort.Strings(out)
	return out, nil
}

func (m *Manager) pruneLocked(keep int) error {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.Backups()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to prune snapshot backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
