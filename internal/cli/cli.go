// ============================================================================
// Wheel-Sorter CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting the sorter
//
// Command Structure:
//   sorter                         # Root command
//   ├── run                        # Start the sorting core
//   ├── validate                   # Check a configuration file
//   ├── resolve <chute>            # Print the diverter actions for a chute
//   ├── trace <parcel>             # Print the journal entries of one parcel
//   ├── status                     # Query a running sorter over HTTP
//   ├── --config, -c               # Config file (persistent)
//   └── --version
//
// Configuration Management:
//   YAML file (default: configs/default.yaml) plus SORTER_* environment
//   variables, optionally seeded from .env. See internal/config.
//
// run Command:
//   1. Load the config, falling back to the last good snapshot
//   2. Open the journal and the lifecycle publisher
//   3. Build diverter drivers, coordinator and health monitor
//   4. Connect the upstream assignment client
//   5. Start the orchestrator, the ops HTTP server and the config watcher
//   6. On SIGINT/SIGTERM resolve parcels in flight and close everything
//
//   Examples:
//     ./sorter run
//     ./sorter run -c configs/line-b.yaml
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/wheel-sorter/internal/config"
	"github.com/ChuLiYu/wheel-sorter/internal/journal"
	"github.com/ChuLiYu/wheel-sorter/internal/snapshot"
	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

// Version is reported by --version.
const Version = "1.0.0"

var configFile string

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sorter",
		Short:         "Wheel-diverter parcel sorting core",
		Long:          "Real-time control core for a linear wheel-diverter sorter: admission, chute assignment, path resolution, actuation and loss detection.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "Config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildValidateCommand())
	rootCmd.AddCommand(buildResolveCommand())
	rootCmd.AddCommand(buildTraceCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var envFiles []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the sorting core",
		Long:  "Start the sorting core with the specified config file and serve the ops endpoint until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFiles...); err != nil {
				return fmt.Errorf("failed to load env files: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, configFile)
		},
	}

	cmd.Flags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files applied before the config (default .env)")
	return cmd
}

// runSystem boots the configuration and runs the sorter until ctx ends.
func runSystem(ctx context.Context, path string) error {
	snap := snapshot.NewManager(snapshotPath())
	store, fromSnapshot, err := config.Boot(path, snap)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	installLogger(store.Config().Log.Level, os.Stderr)
	if fromSnapshot {
		slog.Warn("Running from configuration snapshot", "source", store.Source())
	}

	sys, err := newSystem(store)
	if err != nil {
		return err
	}
	// the file is watched even when booting from the snapshot so a fixed
	// file is picked up without a restart
	return sys.run(ctx, path)
}

// snapshotPath is the snapshot location before any config is loaded.
func snapshotPath() string {
	def := config.Default()
	_ = config.ApplyEnv(def, os.LookupEnv)
	return def.Snapshot.Path
}

// installLogger makes a JSON slog handler the process default.
func installLogger(level string, w io.Writer) *slog.Logger {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})).
		With("service", "wheel-sorter")
	slog.SetDefault(logger)
	return logger
}

// ============================================================================
// validate / resolve
// ============================================================================

func buildValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(cmd.OutOrStdout(), configFile)
		},
	}
}

func validateConfig(w io.Writer, path string) error {
	cfg, _, err := config.Load(path)
	if err != nil {
		var ve *config.ValidationError
		if errors.As(err, &ve) {
			for _, p := range ve.Problems() {
				fmt.Fprintf(w, "  - %v\n", p)
			}
		}
		return err
	}
	st, err := config.NewStore(cfg, nil, path, nil)
	if err != nil {
		return err
	}
	topo := st.Topology()
	timeout, err := st.Deadlines().ChuteAssignmentTimeout(cfg.Assignment.SafetyFactor)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: ok\n", path)
	fmt.Fprintf(w, "  topology:           %s\n", topo.Version)
	fmt.Fprintf(w, "  diverters:          %d\n", topo.DiverterCount())
	fmt.Fprintf(w, "  bound chutes:       %d\n", len(topo.Chutes()))
	fmt.Fprintf(w, "  exception chute:    %d\n", topo.ExceptionChuteID)
	fmt.Fprintf(w, "  assignment timeout: %s\n", timeout)
	fmt.Fprintf(w, "  theoretical limit:  %s\n", st.Deadlines().TheoreticalLimit())
	return nil
}

func buildResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <chute>",
		Short: "Print the diverter actions that deliver a parcel to a chute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chute, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chute id %q: %w", args[0], err)
			}
			return resolveChute(cmd.OutOrStdout(), configFile, types.ChuteID(chute))
		},
	}
}

func resolveChute(w io.Writer, path string, chute types.ChuteID) error {
	cfg, raw, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	st, err := config.NewStore(cfg, raw, path, nil)
	if err != nil {
		return err
	}
	resolved, bound := st.Topology().ResolveOrException(chute)
	if !bound {
		fmt.Fprintf(w, "chute %d is not bound; parcels go to exception chute %d\n", chute, resolved.ChuteID)
	}
	for _, a := range resolved.Actions {
		fmt.Fprintf(w, "%d\t%s\t%s\n", a.PositionIndex, a.DiverterID, a.Direction)
	}
	return nil
}

// ============================================================================
// trace
// ============================================================================

func buildTraceCommand() *cobra.Command {
	var journalPath string

	cmd := &cobra.Command{
		Use:   "trace <parcel>",
		Short: "Print the journal entries of one parcel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if journalPath == "" {
				cfg, _, err := config.Load(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				journalPath = cfg.Journal.Path
			}
			return traceParcel(cmd.OutOrStdout(), journalPath, types.ParcelID(args[0]))
		},
	}

	cmd.Flags().StringVar(&journalPath, "journal", "", "Journal file (default from config)")
	return cmd
}

func traceParcel(w io.Writer, path string, id types.ParcelID) error {
	found := 0
	err := journal.ReplayFile(path, func(e journal.Entry) error {
		if e.ParcelID != id {
			return nil
		}
		found++
		ts := time.UnixMilli(e.Timestamp).UTC().Format("15:04:05.000")
		line := fmt.Sprintf("%6d  %s  %-20s", e.Seq, ts, e.Type)
		if e.State != "" {
			line += " state=" + string(e.State)
		}
		if e.Position > 0 {
			line += fmt.Sprintf(" position=%d", e.Position)
		}
		if e.ChuteID != 0 {
			line += fmt.Sprintf(" chute=%d", e.ChuteID)
		}
		if e.Reason != "" {
			line += " reason=" + string(e.Reason)
		}
		if e.Detail != "" {
			line += " detail=" + e.Detail
		}
		fmt.Fprintln(w, line)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	if found == 0 {
		return fmt.Errorf("no journal entries for parcel %s", id)
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running sorter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), cmd.OutOrStdout(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "Ops endpoint of the running sorter")
	return cmd
}

func showStatus(ctx context.Context, w io.Writer, addr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/status", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("sorter not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %s", resp.Status)
	}

	var st map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("invalid status response: %w", err)
	}
	out, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(out))
	return nil
}
