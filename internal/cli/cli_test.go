package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/wheel-sorter/internal/config"
	"github.com/ChuLiYu/wheel-sorter/internal/journal"
	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

const testLine = `
topology:
  version: cli-line
  entry_sensor_id: S0
  exception_chute_id: 999
  diverters:
    - {diverter_id: D1, position_index: 1, left_chutes: [1], right_chutes: [2]}
    - {diverter_id: D2, position_index: 2, left_chutes: [3], right_chutes: [4]}
  segments:
    - {from: entry, to: 1, length_mm: 1000, speed_mm_per_sec: 1000, tolerance_ms: 200}
    - {from: 1, to: 2, length_mm: 500, speed_mm_per_sec: 1000, tolerance_ms: 200}
assignment:
  safety_factor: 0.5
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "sorter", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	commands := cmd.Commands()
	assert.Len(t, commands, 5, "Should have 5 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"run", "validate", "resolve", "trace", "status"} {
		assert.True(t, commandNames[name], "Should have %q command", name)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
	assert.NotNil(t, cmd.Flags().Lookup("env-file"))
}

func TestBuildResolveAndTraceRequireArgument(t *testing.T) {
	for _, cmd := range []string{"resolve", "trace"} {
		root := BuildCLI()
		root.SetArgs([]string{cmd})
		root.SetOut(&bytes.Buffer{})
		assert.Error(t, root.Execute(), cmd)
	}
}

func TestValidateConfig_Valid(t *testing.T) {
	path := writeFile(t, "line.yaml", testLine)

	var out bytes.Buffer
	require.NoError(t, validateConfig(&out, path))
	assert.Contains(t, out.String(), "ok")
	assert.Contains(t, out.String(), "cli-line")
	assert.Contains(t, out.String(), "assignment timeout: 500ms")
	assert.Contains(t, out.String(), "theoretical limit:  1s")
}

func TestValidateConfig_ListsEveryProblem(t *testing.T) {
	body := testLine + `
throttle:
  normal_interval: -1s
log:
  level: loud
`
	body = strings.Replace(body, "safety_factor: 0.5", "safety_factor: 1.5", 1)
	path := writeFile(t, "bad.yaml", body)

	var out bytes.Buffer
	err := validateConfig(&out, path)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Contains(t, out.String(), "safety_factor")
	assert.Contains(t, out.String(), "log.level")
}

func TestValidateConfig_FileNotFound(t *testing.T) {
	err := validateConfig(&bytes.Buffer{}, "/nonexistent/line.yaml")
	assert.ErrorIs(t, err, config.ErrReadConfig)
}

func TestResolveChute(t *testing.T) {
	path := writeFile(t, "line.yaml", testLine)

	var out bytes.Buffer
	require.NoError(t, resolveChute(&out, path, 4))
	assert.Equal(t, "1\tD1\tstraight\n2\tD2\tright\n", out.String())

	out.Reset()
	require.NoError(t, resolveChute(&out, path, 77))
	assert.Contains(t, out.String(), "chute 77 is not bound")
	assert.Contains(t, out.String(), "exception chute 999")
}

func TestTraceParcel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parcels.journal")
	j, err := journal.Open(path, journal.DefaultOptions())
	require.NoError(t, err)
	for _, e := range []journal.Entry{
		{Type: journal.EventCreated, ParcelID: "p-1", State: types.StateCreated},
		{Type: journal.EventCreated, ParcelID: "p-2", State: types.StateCreated},
		{Type: journal.EventTerminal, ParcelID: "p-1", State: types.StateCompleted, ChuteID: 3, Reason: types.ReasonDropConfirmed},
	} {
		_, err := j.Append(e)
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	var out bytes.Buffer
	require.NoError(t, traceParcel(&out, path, "p-1"))
	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), "CREATED")
	assert.Contains(t, string(lines[1]), "chute=3")
	assert.Contains(t, string(lines[1]), "reason=drop_confirmed")

	assert.Error(t, traceParcel(&bytes.Buffer{}, path, "p-404"))
}

func TestShowStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"operating_state": "running", "in_flight": 2})
	}))
	defer ts.Close()

	var out bytes.Buffer
	require.NoError(t, showStatus(context.Background(), &out, ts.URL+"/"))
	assert.Contains(t, out.String(), `"operating_state": "running"`)

	ts.Close()
	assert.Error(t, showStatus(context.Background(), &bytes.Buffer{}, ts.URL))
}

func TestInstallLogger(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := installLogger("warn", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "parcel", "p-1")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "wheel-sorter", rec["service"])
	assert.Equal(t, "p-1", rec["parcel"])
}

func TestSystemRunsAndResolvesOnShutdown(t *testing.T) {
	dir := t.TempDir()
	body := testLine + `
upstream:
  transport: simulator
  simulator: {strategy: fixed, chutes: [3]}
journal:
  path: ` + filepath.Join(dir, "parcels.journal") + `
http:
  addr: 127.0.0.1:0
sensor:
  source: external
`
	cfg, err := config.Parse("test", []byte(body))
	require.NoError(t, err)
	st, err := config.NewStore(cfg, []byte(body), "test", nil)
	require.NoError(t, err)

	sys, err := NewSystem(st, SystemOptions{})
	require.NoError(t, err)
	require.Nil(t, sys.Simulator())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sys.Run(ctx, "") }()

	require.Eventually(t, func() bool {
		return sys.external.Trigger(0) == nil
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return sys.Orchestrator().Status().Counts[types.StatePathCommitted] == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("system did not stop")
	}

	var terminal []journal.Entry
	require.NoError(t, journal.ReplayFile(filepath.Join(dir, "parcels.journal"), func(e journal.Entry) error {
		if e.Type == journal.EventTerminal {
			terminal = append(terminal, e)
		}
		return nil
	}))
	require.Len(t, terminal, 1)
	assert.Equal(t, types.StateExceptionRouted, terminal[0].State)
	assert.Equal(t, types.ReasonShutdown, terminal[0].Reason)
}
