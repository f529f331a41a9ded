// ============================================================================
// Wheel-Sorter End-to-End Suite
// ============================================================================
//
// Package: test/integration
// File: line_test.go
// Purpose: Run complete sorter processes against a simulated line
//
// Line under test:
//   entry --200ms--> D1 --150ms--> D2 --150ms--> D3 --150ms--> end sensor
//   every segment has 300ms tolerance, safety factor 0.5 (100ms timeout)
//
// TestSimulatedLineResolvesEveryParcel:
//   - 24 parcels, one every 150ms, rule engine cycles through every bound
//     chute plus one unbound chute
//   - every created parcel has exactly one TERMINAL journal entry
//   - nothing is lost on a loss-free line
//
// TestJournalContinuesAcrossRestart:
//   - two processes write the same journal one after the other
//   - sequence numbers keep increasing across the restart
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/wheel-sorter/internal/cli"
	"github.com/ChuLiYu/wheel-sorter/internal/config"
	"github.com/ChuLiYu/wheel-sorter/internal/journal"
	"github.com/ChuLiYu/wheel-sorter/internal/topology"
	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

const lineTemplate = `
topology:
  version: integration
  entry_sensor_id: S0
  end_sensor_id: S9
  exception_chute_id: 999
  diverters:
    - {diverter_id: D1, position_index: 1, left_chutes: [1], right_chutes: [2]}
    - {diverter_id: D2, position_index: 2, left_chutes: [3], right_chutes: [4]}
    - {diverter_id: D3, position_index: 3, left_chutes: [5], right_chutes: [6]}
  segments:
    - {from: entry, to: 1, length_mm: 200, speed_mm_per_sec: 1000, tolerance_ms: 300}
    - {from: 1, to: 2, length_mm: 150, speed_mm_per_sec: 1000, tolerance_ms: 300}
    - {from: 2, to: 3, length_mm: 150, speed_mm_per_sec: 1000, tolerance_ms: 300}
    - {from: 3, to: end, length_mm: 150, speed_mm_per_sec: 1000, tolerance_ms: 300}
assignment:
  safety_factor: 0.5
throttle:
  normal_interval: 0s
overload:
  max_in_flight_parcels: 100
upstream:
  transport: simulator
  simulator: {strategy: round_robin, chutes: [1, 2, 3, 4, 5, 6, 42]}
sensor:
  source: simulator
  simulator: {interval: 150ms, count: %d, settle_delay: 20ms}
journal:
  path: %s
http:
  addr: 127.0.0.1:0
`

// runLine runs one sorter process until the simulated parcels have all
// settled.
func runLine(t *testing.T, journalPath string, parcels int) {
	t.Helper()
	body := fmt.Sprintf(lineTemplate, parcels, journalPath)
	cfg, err := config.Parse("integration", []byte(body))
	require.NoError(t, err)
	st, err := config.NewStore(cfg, []byte(body), "integration", nil)
	require.NoError(t, err)

	sys, err := cli.NewSystem(st, cli.SystemOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sys.Run(ctx, "") }()

	require.Eventually(t, func() bool {
		st := sys.Orchestrator().Status()
		return sys.Simulator().Stats().Entered == int64(parcels) &&
			st.InFlight == 0 && st.TrackedParcels == 0
	}, 20*time.Second, 50*time.Millisecond, "line did not settle")

	status := sys.Orchestrator().Status()
	t.Logf("totals: %v", status.Totals)
	assert.Zero(t, status.Totals[types.StateLost], "loss-free line lost parcels")
	assert.NotZero(t, status.Totals[types.StateCompleted])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sorter did not stop")
	}
}

func readJournal(t *testing.T, path string) []journal.Entry {
	t.Helper()
	var entries []journal.Entry
	require.NoError(t, journal.ReplayFile(path, func(e journal.Entry) error {
		entries = append(entries, e)
		return nil
	}))
	return entries
}

func TestSimulatedLineResolvesEveryParcel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parcels.journal")
	runLine(t, path, 24)

	created := make(map[types.ParcelID]bool)
	terminal := make(map[types.ParcelID]journal.Entry)
	for _, e := range readJournal(t, path) {
		switch e.Type {
		case journal.EventCreated:
			created[e.ParcelID] = true
		case journal.EventTerminal:
			_, dup := terminal[e.ParcelID]
			require.False(t, dup, "parcel %s reached two terminal states", e.ParcelID)
			terminal[e.ParcelID] = e
		}
	}
	require.Len(t, created, 24)
	require.Len(t, terminal, 24)

	for id, e := range terminal {
		require.True(t, created[id])
		switch e.State {
		case types.StateCompleted:
			assert.Contains(t, []types.Reason{types.ReasonDropConfirmed, types.ReasonEndOfLine}, e.Reason)
		case types.StateExceptionRouted:
			assert.NotEmpty(t, e.Reason)
		default:
			t.Errorf("parcel %s ended in %s", id, e.State)
		}
		if e.ChuteID == 42 {
			t.Errorf("parcel %s was delivered to unbound chute 42", id)
		}
	}
}

func TestJournalContinuesAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parcels.journal")
	runLine(t, path, 4)
	first := readJournal(t, path)
	require.NotEmpty(t, first)

	runLine(t, path, 4)
	all := readJournal(t, path)
	require.Greater(t, len(all), len(first))

	for i := 1; i < len(all); i++ {
		require.Greater(t, all[i].Seq, all[i-1].Seq, "seq went backwards at entry %d", i)
	}
	createdCount := 0
	for _, e := range all {
		if e.Type == journal.EventCreated {
			createdCount++
		}
	}
	assert.Equal(t, 8, createdCount)
}

// BenchmarkResolve measures path resolution on a long line.
func BenchmarkResolve(b *testing.B) {
	raw := topology.Topology{Version: "bench", EntrySensorID: "S0", ExceptionChuteID: 9999}
	for i := 1; i <= 40; i++ {
		raw.Nodes = append(raw.Nodes, topology.DiverterNode{
			DiverterID:    types.DiverterID(fmt.Sprintf("D%d", i)),
			PositionIndex: i,
			LeftChuteIDs:  []types.ChuteID{types.ChuteID(2*i - 1)},
			RightChuteIDs: []types.ChuteID{types.ChuteID(2 * i)},
		})
	}
	topo, err := topology.New(raw)
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := topo.Resolve(types.ChuteID(i%80 + 1)); err != nil {
			b.Fatal(err)
		}
	}
}
