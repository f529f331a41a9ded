package config

// ============================================================================
// Store: atomically swapped configuration snapshots
// ============================================================================
//
// Readers call Topology(), Throttle(), Overload() and friends on every
// decision and get an immutable snapshot without taking a lock. Apply and
// the file watcher replace the whole snapshot in one atomic store. A
// configuration that fails validation, or that a registered guard refuses,
// is logged and discarded; the running one stays in place.
//
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ChuLiYu/wheel-sorter/internal/overload"
	"github.com/ChuLiYu/wheel-sorter/internal/snapshot"
	"github.com/ChuLiYu/wheel-sorter/internal/throttle"
	"github.com/ChuLiYu/wheel-sorter/internal/topology"
)

var log = slog.Default()

// debounceDelay lets editors finish writing before a reload.
const debounceDelay = 250 * time.Millisecond

// compiled is one immutable configuration generation.
type compiled struct {
	cfg       *Config
	raw       []byte
	source    string
	topo      *topology.Topology
	deadlines *topology.DeadlineCalculator
	loadedAt  time.Time
}

// Store holds the active configuration.
type Store struct {
	cur  atomic.Pointer[compiled]
	gen  atomic.Uint64
	snap *snapshot.Manager

	mu        sync.Mutex
	listeners []func(*Config)
	guards    []Guard
}

// Guard vets a candidate configuration against running state before Apply
// swaps it in. A non-nil error rejects the update.
type Guard func(cfg *Config, topo *topology.Topology) error

// NewStore compiles cfg as the first generation. raw and source are kept
// for snapshots; snap may be nil.
func NewStore(cfg *Config, raw []byte, source string, snap *snapshot.Manager) (*Store, error) {
	s := &Store{snap: snap}
	c, err := compile(cfg, raw, source)
	if err != nil {
		return nil, err
	}
	s.cur.Store(c)
	s.gen.Store(1)
	s.persist(c)
	return s, nil
}

func compile(cfg *Config, raw []byte, source string) (*compiled, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ValidationError{Source: source, Err: err}
	}
	topo, err := topology.New(cfg.Topology)
	if err != nil {
		return nil, &ValidationError{Source: source, Err: err}
	}
	return &compiled{
		cfg:       cfg,
		raw:       raw,
		source:    source,
		topo:      topo,
		deadlines: topology.NewDeadlineCalculator(topo, cfg.Assignment.FallbackTimeout),
		loadedAt:  time.Now(),
	}, nil
}

// ============================================================================
// Snapshot readers
// ============================================================================

// Config returns the active configuration. Callers must not modify it.
func (s *Store) Config() *Config { return s.cur.Load().cfg }

// Topology returns the compiled topology.
func (s *Store) Topology() *topology.Topology { return s.cur.Load().topo }

// Deadlines returns the calculator bound to the active topology.
func (s *Store) Deadlines() *topology.DeadlineCalculator { return s.cur.Load().deadlines }

// Throttle returns the active throttle policy. It satisfies
// throttle.PolicySource.
func (s *Store) Throttle() *throttle.Policy { return &s.cur.Load().cfg.Throttle }

// Overload returns the active overload policy.
func (s *Store) Overload() *overload.Policy { return &s.cur.Load().cfg.Overload }

// Assignment returns the active assignment settings.
func (s *Store) Assignment() AssignmentConfig { return s.cur.Load().cfg.Assignment }

// Generation counts accepted configurations, starting at 1.
func (s *Store) Generation() uint64 { return s.gen.Load() }

// Source names where the active configuration came from.
func (s *Store) Source() string { return s.cur.Load().source }

// ============================================================================
// Updates
// ============================================================================

// OnChange registers fn to run after every accepted update.
func (s *Store) OnChange(fn func(*Config)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Guard registers fn to vet every later update. Guards do not run for the
// boot configuration.
func (s *Store) Guard(fn Guard) {
	s.mu.Lock()
	s.guards = append(s.guards, fn)
	s.mu.Unlock()
}

// Apply validates cfg, runs the guards and makes it active.
//
// Returns:
//   - error: a *ValidationError, wrapping ErrIncompatibleConfig when a guard
//     refused; the previous configuration stays active
func (s *Store) Apply(cfg *Config, raw []byte, source string) error {
	c, err := compile(cfg, raw, source)
	if err == nil {
		err = s.vet(c)
	}
	if err != nil {
		log.Error("Configuration rejected, keeping previous", "source", source, "error", err)
		return err
	}
	prev := s.cur.Swap(c)
	gen := s.gen.Add(1)
	log.Info("Configuration applied",
		"source", source,
		"generation", gen,
		"topology_version", c.topo.Version,
		"previous_topology_version", prev.topo.Version)

	s.persist(c)

	s.mu.Lock()
	listeners := append([]func(*Config){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

func (s *Store) vet(c *compiled) error {
	s.mu.Lock()
	guards := append([]Guard{}, s.guards...)
	s.mu.Unlock()
	for _, g := range guards {
		if err := g(c.cfg, c.topo); err != nil {
			return &ValidationError{Source: c.source, Err: fmt.Errorf("%w: %w", ErrIncompatibleConfig, err)}
		}
	}
	return nil
}

// Reload reads path and applies it.
func (s *Store) Reload(path string) error {
	cfg, raw, err := Load(path)
	if err != nil {
		log.Error("Configuration reload failed, keeping previous", "path", path, "error", err)
		return err
	}
	return s.Apply(cfg, raw, path)
}

func (s *Store) persist(c *compiled) {
	if s.snap == nil || len(c.raw) == 0 {
		return
	}
	err := s.snap.WriteWithBackup(snapshot.Data{
		Source:          c.source,
		TopologyVersion: c.topo.Version,
		Config:          c.raw,
	}, c.cfg.Snapshot.KeepBackups)
	if err != nil {
		log.Warn("Failed to persist configuration snapshot", "error", err)
	}
}

// Watch reloads path whenever it changes until ctx is cancelled. The
// directory is watched so editors that replace the file are seen too.
func (s *Store) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}
	target := filepath.Clean(path)
	log.Info("Watching configuration", "path", target)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if ctx.Err() != nil {
					return
				}
				_ = s.Reload(target)
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error("Config watcher failed", "error", err)
		case <-ctx.Done():
			return nil
		}
	}
}

// ============================================================================
// Boot
// ============================================================================

// Boot loads path, falling back to the last snapshot when the file is
// unreadable or invalid. It returns the store and whether the fallback was
// used.
func Boot(path string, snap *snapshot.Manager) (*Store, bool, error) {
	cfg, raw, err := Load(path)
	if err == nil {
		st, err := NewStore(cfg, raw, path, snap)
		return st, false, err
	}
	if snap == nil {
		return nil, false, err
	}

	data, serr := snap.Load()
	if serr != nil {
		return nil, false, errors.Join(err, fmt.Errorf("no usable snapshot: %w", serr))
	}
	log.Warn("Configuration file unusable, booting from last snapshot",
		"path", path,
		"error", err,
		"snapshot_saved_at", data.SavedAt,
		"topology_version", data.TopologyVersion)

	source := "snapshot:" + snap.GetPath()
	scfg, perr := Parse(source, data.Config)
	if perr != nil {
		return nil, false, errors.Join(err, perr)
	}
	// The snapshot is not rewritten from itself; later accepted files are.
	st, nerr := NewStore(scfg, data.Config, source, nil)
	if nerr != nil {
		return nil, false, nerr
	}
	st.snap = snap
	return st, true, nil
}

// ============================================================================
// Logging helpers
// ============================================================================

// ParseLevel maps a config level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", s)
}
