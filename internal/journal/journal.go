// ============================================================================
// Wheel-Sorter Parcel Journal
// ============================================================================
//
// Package: internal/journal
// File: journal.go
// Purpose: Append-only record of every parcel transition
//
// Format:
//   One JSON object per line. Every entry carries a monotonically increasing
//   seq and a CRC32 checksum over all its other fields.
//
// Writes:
//   Append buffers entries in memory. The buffer is written and synced when
//   it reaches BufferSize, when FlushInterval has passed since the last
//   flush, when Flush is called, or from the Run loop. Parcel routing never
//   waits on disk beyond that.
//
// Reads:
//   Replay streams every entry through a handler, verifying checksums.
//   Trace collects the entries of one parcel.
//
// Rotation:
//   Rotate moves the current file aside with a timestamp suffix and starts
//   an empty one. Sequence numbers keep increasing across rotations.
//
// ============================================================================

package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

var log = slog.Default()

// Options tune buffering.
type Options struct {
	BufferSize    int
	FlushInterval time.Duration
	SyncOnFlush   bool
}

// DefaultOptions returns the journal defaults.
func DefaultOptions() Options {
	return Options{
		BufferSize:    256,
		FlushInterval: 200 * time.Millisecond,
		SyncOnFlush:   true,
	}
}

// file is the subset of *os.File the journal writes through.
type file interface {
	io.Writer
	Sync() error
	Close() error
}

// Journal is an append-only parcel event log.
type Journal struct {
	mu            sync.Mutex
	path          string
	opts          Options
	f             file
	enc           *json.Encoder
	seq           uint64
	buffer        []Entry
	lastFlushTime time.Time
	closed        bool
	now           func() time.Time
}

// Open creates or reopens a journal. An existing file's last seq is
// recovered so numbering continues.
func Open(path string, opts Options) (*Journal, error) {
	def := DefaultOptions()
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	seq, err := lastSeq(path)
	if err != nil {
		return nil, fmt.Errorf("failed to scan journal %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	return &Journal{
		path:          path,
		opts:          opts,
		f:             f,
		enc:           json.NewEncoder(f),
		seq:           seq,
		buffer:        make([]Entry, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
		now:           time.Now,
	}, nil
}

// Append assigns the next seq and checksum and buffers the entry.
//
// Returns:
//   - uint64: the assigned seq
//   - error: ErrJournalClosed, or a write error if this append flushed
func (j *Journal) Append(e Entry) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrJournalClosed
	}

	j.seq++
	e.Seq = j.seq
	if e.Timestamp == 0 {
		e.Timestamp = j.now().UnixMilli()
	}
	e.Checksum = Checksum(e)
	j.buffer = append(j.buffer, e)

	if len(j.buffer) >= j.opts.BufferSize || j.now().Sub(j.lastFlushTime) > j.opts.FlushInterval {
		return e.Seq, j.flushLocked()
	}
	return e.Seq, nil
}

// Flush writes buffered entries.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.flushLocked()
}

// Run flushes every FlushInterval until ctx is cancelled, then flushes once
// more.
func (j *Journal) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := j.Flush(); err != nil && err != ErrJournalClosed {
				log.Error("Final journal flush failed", "error", err)
			}
			return nil
		case <-ticker.C:
			if err := j.Flush(); err != nil && err != ErrJournalClosed {
				log.Error("Journal flush failed", "error", err)
			}
		}
	}
}

// Replay streams every entry of the current file through handler.
func (j *Journal) Replay(handler Handler) error {
	if err := j.Flush(); err != nil {
		return err
	}
	return ReplayFile(j.path, handler)
}

// Trace returns the entries of one parcel in seq order.
func (j *Journal) Trace(id types.ParcelID) ([]Entry, error) {
	var out []Entry
	err := j.Replay(func(e Entry) error {
		if e.ParcelID == id {
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Rotate moves the current file aside and starts a new one.
//
// Returns:
//   - string: path of the rotated file
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return "", ErrJournalClosed
	}
	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.f.Close(); err != nil {
		return "", err
	}

	backup := j.path + "." + j.now().Format("20060102_150405.000")
	if err := os.Rename(j.path, backup); err != nil {
		return "", fmt.Errorf("failed to rotate journal: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	j.f = f
	j.enc = json.NewEncoder(f)
	j.lastFlushTime = j.now()
	log.Info("Journal rotated", "backup", backup, "last_seq", j.seq)
	return backup, nil
}

// LastSeq returns the seq of the most recent entry.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Close flushes and closes the file. A closed journal cannot be reused.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.flushLocked(); err != nil {
		_ = j.f.Close()
		return err
	}
	return j.f.Close()
}

// flushLocked assumes j.mu is held.
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		j.lastFlushTime = j.now()
		return nil
	}
	for _, e := range j.buffer {
		if err := j.enc.Encode(e); err != nil {
			return fmt.Errorf("journal write failed at seq=%d: %w", e.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = j.now()
	if j.opts.SyncOnFlush {
		if err := j.f.Sync(); err != nil {
			return fmt.Errorf("journal sync failed: %w", err)
		}
	}
	return nil
}

// ============================================================================
// File helpers
// ============================================================================

// ReplayFile streams every entry of a journal file through handler without
// opening it for writing. A missing file replays nothing.
func ReplayFile(path string, handler Handler) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if sum := Checksum(e); sum != e.Checksum {
			return &ChecksumError{Seq: e.Seq, Expected: sum, Actual: e.Checksum}
		}
		if err := handler(e); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// lastSeq scans a journal file for its highest seq. A torn final line is
// ignored.
func lastSeq(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var seq uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if json.Unmarshal(scanner.Bytes(), &e) == nil && e.Seq > seq {
			seq = e.Seq
		}
	}
	return seq, scanner.Err()
}
