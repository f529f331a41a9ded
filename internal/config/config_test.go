package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/wheel-sorter/internal/snapshot"
	"github.com/ChuLiYu/wheel-sorter/internal/topology"
	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

const lineYAML = `
topology:
  version: line-a
  entry_sensor_id: S0
  exception_chute_id: 999
  diverters:
    - {diverter_id: D1, position_index: 1, left_chutes: [1], right_chutes: [2]}
    - {diverter_id: D2, position_index: 2, left_chutes: [3], right_chutes: [4]}
    - {diverter_id: D3, position_index: 3, left_chutes: [5], right_chutes: [6]}
  segments:
    - {from: entry, to: 1, length_mm: 1000, speed_mm_per_sec: 1000, tolerance_ms: 200}
    - {from: 1, to: 2, length_mm: 1000, speed_mm_per_sec: 1000, tolerance_ms: 200}
    - {from: 2, to: 3, length_mm: 1000, speed_mm_per_sec: 1000, tolerance_ms: 200}
    - {from: 3, to: end, length_mm: 500, speed_mm_per_sec: 1000, tolerance_ms: 200}
assignment:
  safety_factor: 0.5
throttle:
  normal_interval: 250ms
overload:
  max_in_flight_parcels: 12
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "sorter.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func noEnv(string) (string, bool) { return "", false }

func TestLoadAppliesDefaultsAndFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), lineYAML)
	cfg, raw, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, lineYAML, string(raw))

	assert.Equal(t, "line-a", cfg.Topology.Version)
	assert.Len(t, cfg.Topology.Nodes, 3)
	assert.Equal(t, 0.5, cfg.Assignment.SafetyFactor)
	assert.Equal(t, 250*time.Millisecond, cfg.Throttle.NormalInterval)
	assert.Equal(t, 12, cfg.Overload.MaxInFlightParcels)
	// untouched sections keep their defaults
	assert.Equal(t, Default().Throttle.SevereInterval, cfg.Throttle.SevereInterval)
	assert.Equal(t, "simulated", cfg.Diverters.Vendor)
	assert.Equal(t, TransportSimulator, cfg.Upstream.Transport)
}

func TestSafetyFactorBounds(t *testing.T) {
	for _, tc := range []struct {
		sf string
		ok bool
	}{
		{"0.1", true},
		{"0.99", true},
		{"1.0", false},
		{"0.05", false},
		{"1.5", false},
	} {
		body := strings.Replace(lineYAML, "safety_factor: 0.5", "safety_factor: "+tc.sf, 1)
		_, err := Parse("test", []byte(body))
		if tc.ok {
			assert.NoError(t, err, tc.sf)
		} else {
			assert.ErrorIs(t, err, ErrInvalidConfig, tc.sf)
		}
	}
}

func TestValidationAggregatesProblems(t *testing.T) {
	body := strings.NewReplacer(
		"safety_factor: 0.5", "safety_factor: 1.0",
		"left_chutes: [3]", "left_chutes: [1]",
	).Replace(lineYAML) + "upstream:\n  transport: carrier-pigeon\n"

	_, err := Parse("bad.yaml", []byte(body))
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "bad.yaml", ve.Source)
	assert.GreaterOrEqual(t, len(ve.Problems()), 3)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SORTER_SAFETY_FACTOR":      "0.7",
		"SORTER_UPSTREAM_TRANSPORT": "grpc",
		"SORTER_UPSTREAM_TARGET":    "decider:9000",
		"SORTER_KAFKA_BROKERS":      "k1:9092, k2:9092",
		"SORTER_LOG_LEVEL":          "debug",
	}
	cfg := Default()
	require.NoError(t, ApplyEnv(cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.Equal(t, 0.7, cfg.Assignment.SafetyFactor)
	assert.Equal(t, TransportGRPC, cfg.Upstream.Transport)
	assert.Equal(t, "decider:9000", cfg.Upstream.Target)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)

	err := ApplyEnv(Default(), func(k string) (string, bool) {
		if k == "SORTER_SAFETY_FACTOR" {
			return "lots", true
		}
		return noEnv(k)
	})
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SORTER_TEST_DOTENV=from-file\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("SORTER_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(envFile, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("SORTER_TEST_DOTENV"))
}

func TestStoreApplyKeepsPreviousOnError(t *testing.T) {
	cfg, err := Parse("a", []byte(lineYAML))
	require.NoError(t, err)
	st, err := NewStore(cfg, []byte(lineYAML), "a", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Generation())
	assert.Equal(t, 3, st.Topology().DiverterCount())

	var seen []string
	st.OnChange(func(c *Config) { seen = append(seen, c.Topology.Version) })

	bad := *cfg
	bad.Assignment.SafetyFactor = 1.0
	err = st.Apply(&bad, nil, "bad")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, uint64(1), st.Generation())
	assert.Equal(t, 0.5, st.Assignment().SafetyFactor)

	good, err := Parse("b", []byte(strings.Replace(lineYAML, "version: line-a", "version: line-b", 1)))
	require.NoError(t, err)
	require.NoError(t, st.Apply(good, nil, "b"))
	assert.Equal(t, uint64(2), st.Generation())
	assert.Equal(t, "line-b", st.Topology().Version)
	assert.Equal(t, []string{"line-b"}, seen)

	timeout, err := st.Deadlines().ChuteAssignmentTimeout(st.Assignment().SafetyFactor)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, timeout)
	assert.Equal(t, 12, st.Overload().MaxInFlightParcels)
	assert.Equal(t, 250*time.Millisecond, st.Throttle().NormalInterval)
}

func TestStoreGuardRejectsIncompatibleUpdate(t *testing.T) {
	cfg, err := Parse("a", []byte(lineYAML))
	require.NoError(t, err)
	st, err := NewStore(cfg, nil, "a", nil)
	require.NoError(t, err)

	applied := 0
	st.OnChange(func(*Config) { applied++ })
	st.Guard(func(_ *Config, topo *topology.Topology) error {
		if topo.DiverterCount() != 3 {
			return errors.New("diverter count changed")
		}
		return nil
	})

	shorter := strings.Replace(lineYAML,
		"    - {diverter_id: D3, position_index: 3, left_chutes: [5], right_chutes: [6]}\n", "", 1)
	shorter = strings.Replace(shorter,
		"    - {from: 2, to: 3, length_mm: 1000, speed_mm_per_sec: 1000, tolerance_ms: 200}\n    - {from: 3, to: end",
		"    - {from: 2, to: end", 1)
	next, err := Parse("b", []byte(shorter))
	require.NoError(t, err)
	require.Len(t, next.Topology.Nodes, 2)

	err = st.Apply(next, nil, "b")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompatibleConfig)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, uint64(1), st.Generation())
	assert.Equal(t, 3, st.Topology().DiverterCount())
	assert.Zero(t, applied)

	same, err := Parse("c", []byte(strings.Replace(lineYAML, "version: line-a", "version: line-c", 1)))
	require.NoError(t, err)
	require.NoError(t, st.Apply(same, nil, "c"))
	assert.Equal(t, 1, applied)
}

func TestBootFallsBackToSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, lineYAML)
	snap := snapshot.NewManager(filepath.Join(dir, "snap.json"))

	st, fromSnapshot, err := Boot(path, snap)
	require.NoError(t, err)
	assert.False(t, fromSnapshot)
	assert.True(t, snap.Exists(), "accepted config is snapshotted")
	_, _, ok := st.Topology().OwnerOf(types.ChuteID(4))
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("topology: [broken"), 0o644))
	st2, fromSnapshot, err := Boot(path, snap)
	require.NoError(t, err)
	assert.True(t, fromSnapshot)
	assert.Equal(t, "line-a", st2.Topology().Version)

	_, _, err = Boot(path, snapshot.NewManager(filepath.Join(dir, "none.json")))
	assert.ErrorIs(t, err, snapshot.ErrSnapshotNotFound)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, lineYAML)
	cfg, raw, err := Load(path)
	require.NoError(t, err)
	st, err := NewStore(cfg, raw, path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = st.Watch(ctx, path)
	}()
	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))
	time.Sleep(2 * debounceDelay)
	assert.Equal(t, uint64(1), st.Generation(), "invalid file is ignored")

	updated := strings.Replace(lineYAML, "version: line-a", "version: line-c", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	assert.Eventually(t, func() bool {
		return st.Topology().Version == "line-c"
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

func TestParseLevel(t *testing.T) {
	_, err := ParseLevel("chatty")
	assert.Error(t, err)
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, "WARN", lvl.String())
}

func TestShippedConfigIsValid(t *testing.T) {
	cfg, raw, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.Equal(t, 5, len(cfg.Topology.Nodes))
	assert.Equal(t, SensorExternal, cfg.Sensor.Source)
	assert.Equal(t, "15", cfg.Diverters.Options["latency_ms"])
}

func TestSensorSourceValidation(t *testing.T) {
	_, err := Parse("test", []byte(lineYAML+`
sensor:
  source: camera
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sensor.source")

	cfg, err := Parse("test", []byte(lineYAML+`
sensor:
  source: simulator
  simulator: {interval: 200ms, count: 5}
`))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Sensor.Simulator.Count)
	assert.Equal(t, 50*time.Millisecond, cfg.Sensor.Simulator.SettleDelay)
}
