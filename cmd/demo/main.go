package main

// ============================================================================
// demo - a whole simulated line in one process
// ============================================================================
//
// The demo serves a simulated rule engine over gRPC on a loopback port,
// points the sorter's upstream client at it, lets the line simulator feed
// parcels past the simulated diverters and prints a summary once every
// parcel has reached a terminal state.
//
//   go run ./cmd/demo -c configs/default.yaml --parcels 50
//
// ============================================================================

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/wheel-sorter/internal/cli"
	"github.com/ChuLiYu/wheel-sorter/internal/config"
	"github.com/ChuLiYu/wheel-sorter/internal/orchestrator"
	"github.com/ChuLiYu/wheel-sorter/internal/topology"
	"github.com/ChuLiYu/wheel-sorter/internal/upstream"
	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

type demoOptions struct {
	configFile string
	parcels    int
	interval   time.Duration
	lossRate   float64
	journal    string
	httpAddr   string
}

func main() {
	var opts demoOptions

	cmd := &cobra.Command{
		Use:           "demo",
		Short:         "Run a simulated sorting line end to end",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDemo(ctx, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configFile, "config", "c", "configs/default.yaml", "Config file path")
	cmd.Flags().IntVar(&opts.parcels, "parcels", 30, "Parcels to send")
	cmd.Flags().DurationVar(&opts.interval, "interval", 400*time.Millisecond, "Spacing between parcels")
	cmd.Flags().Float64Var(&opts.lossRate, "loss-rate", 0.02, "Per-segment chance a parcel falls off")
	cmd.Flags().StringVar(&opts.journal, "journal", "data/demo.journal", "Journal file")
	cmd.Flags().StringVar(&opts.httpAddr, "http", "127.0.0.1:8080", "Ops endpoint")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runDemo(ctx context.Context, opts demoOptions) error {
	cfg, raw, err := config.Load(opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	line, err := topology.New(cfg.Topology)
	if err != nil {
		return err
	}
	engine, err := upstream.NewSimulator(upstream.SimulatorConfig{
		Strategy: upstream.StrategyRandom,
		Chutes:   append(line.Chutes(), 4242), // one unbound chute
		Latency:  10 * time.Millisecond,
		Jitter:   20 * time.Millisecond,
	})
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen for rule engine: %w", err)
	}
	grpcServer := grpc.NewServer()
	upstream.RegisterChuteAssignmentServer(grpcServer, upstream.NewGRPCServer(engine))

	cfg.Upstream.Transport = config.TransportGRPC
	cfg.Upstream.Target = lis.Addr().String()
	cfg.Sensor.Source = config.SensorSimulator
	cfg.Sensor.Simulator.Count = opts.parcels
	cfg.Sensor.Simulator.Interval = opts.interval
	cfg.Sensor.Simulator.LossRate = opts.lossRate
	cfg.Journal.Path = opts.journal
	cfg.HTTP.Addr = opts.httpAddr
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := config.NewStore(cfg, raw, "demo", nil)
	if err != nil {
		return err
	}
	sys, err := cli.NewSystem(store, cli.SystemOptions{})
	if err != nil {
		return err
	}

	fmt.Printf("Rule engine on %s, ops endpoint on http://%s\n", lis.Addr(), opts.httpAddr)
	fmt.Printf("Sending %d parcels every %s across %d diverters\n\n",
		opts.parcels, opts.interval, store.Topology().DiverterCount())

	runCtx, stopSystem := context.WithCancel(ctx)
	defer stopSystem()

	g := new(errgroup.Group)
	g.Go(func() error { return grpcServer.Serve(lis) })
	g.Go(func() error {
		defer grpcServer.GracefulStop()
		defer stopSystem()
		return sys.Run(runCtx, "")
	})

	waitForLine(runCtx, sys, opts.parcels)
	summary := sys.Orchestrator().Status()
	stopSystem()
	if err := g.Wait(); err != nil {
		return err
	}

	printSummary(summary, sys.Simulator().Stats().Vanished, engine.Requests())
	return nil
}

// waitForLine returns once every simulated parcel has entered and none is
// still in flight, or ctx ends.
func waitForLine(ctx context.Context, sys *cli.System, parcels int) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st := sys.Orchestrator().Status()
		entered := sys.Simulator().Stats().Entered
		fmt.Printf("in flight %3d  completed %3d  exception %3d  lost %3d  congestion %s\n",
			st.InFlight,
			st.Totals[types.StateCompleted],
			st.Totals[types.StateExceptionRouted],
			st.Totals[types.StateLost],
			st.CongestionLevel)
		if entered >= int64(parcels) && st.InFlight == 0 && st.TrackedParcels == 0 {
			return
		}
	}
}

func printSummary(st orchestrator.Status, vanished, requests int64) {
	fmt.Println("\nSummary")
	fmt.Printf("  upstream requests: %d\n", requests)
	fmt.Printf("  vanished on line:  %d\n", vanished)
	states := make([]string, 0, len(st.Totals))
	for state := range st.Totals {
		states = append(states, string(state))
	}
	sort.Strings(states)
	for _, state := range states {
		fmt.Printf("  %-18s %d\n", state+":", st.Totals[types.ParcelState(state)])
	}
}
