package cli

// ============================================================================
// System wiring
// ============================================================================
//
// System owns every long-lived component of one sorter process. Run starts
// them in dependency order and tears them down in reverse:
//
//   journal, publisher        outlive the orchestrator so shutdown entries
//                             and lifecycle events still land
//   orchestrator, ops server  stop on ctx cancel
//   coordinator, monitor      stop after the orchestrator drained
//
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/wheel-sorter/internal/config"
	"github.com/ChuLiYu/wheel-sorter/internal/diverter"
	"github.com/ChuLiYu/wheel-sorter/internal/events"
	"github.com/ChuLiYu/wheel-sorter/internal/journal"
	"github.com/ChuLiYu/wheel-sorter/internal/metrics"
	"github.com/ChuLiYu/wheel-sorter/internal/orchestrator"
	"github.com/ChuLiYu/wheel-sorter/internal/parcel"
	"github.com/ChuLiYu/wheel-sorter/internal/sensor"
	"github.com/ChuLiYu/wheel-sorter/internal/server"
	"github.com/ChuLiYu/wheel-sorter/internal/throttle"
	"github.com/ChuLiYu/wheel-sorter/internal/tracker"
	"github.com/ChuLiYu/wheel-sorter/internal/upstream"
	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

// System is one assembled sorter.
type System struct {
	store     *config.Store
	journal   *journal.Journal
	kafka     *events.KafkaPublisher
	publisher events.Publisher
	metrics   *metrics.Collector
	drivers   map[types.DiverterID]diverter.Driver
	coord     *diverter.Coordinator
	monitor   *diverter.Monitor
	upstream  upstream.Client
	parcels   *parcel.Manager
	janitor   bool // parcels.Start was called
	external  *sensor.ChannelSource
	simulator *sensor.LineSimulator
	orch      *orchestrator.Orchestrator
	server    *server.Server
}

// SystemOptions override parts of the assembly.
type SystemOptions struct {
	Registry *diverter.Registry // default NewRegistry()
	Upstream upstream.Client    // replaces the configured transport
}

// newSystem assembles a sorter from the configured defaults.
func newSystem(store *config.Store) (*System, error) {
	return NewSystem(store, SystemOptions{})
}

// NewSystem builds every component from the store's configuration. On
// error everything opened so far is closed.
func NewSystem(store *config.Store, opts SystemOptions) (s *System, err error) {
	cfg := store.Config()
	s = &System{store: store, metrics: metrics.NewCollector()}
	defer func() {
		if err != nil {
			_ = s.close()
			s = nil
		}
	}()

	s.journal, err = journal.Open(cfg.Journal.Path, journal.Options{
		BufferSize:    cfg.Journal.BufferSize,
		FlushInterval: cfg.Journal.FlushInterval,
		SyncOnFlush:   true,
	})
	if err != nil {
		s.journal = nil
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	s.publisher = events.LogPublisher{}
	if cfg.Kafka.Enabled {
		s.kafka, err = events.NewKafkaPublisher(cfg.Kafka.KafkaConfig)
		if err != nil {
			s.kafka = nil
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		s.publisher = s.kafka
	}

	registry := opts.Registry
	if registry == nil {
		registry = diverter.NewRegistry()
	}
	s.drivers, err = registry.Build(cfg.Diverters.Vendor, store.Topology().DiverterIDs(), cfg.Diverters.Options)
	if err != nil {
		return nil, err
	}
	s.coord = diverter.NewCoordinator(s.drivers, cfg.Diverters.Coordinator)
	s.monitor = diverter.NewMonitor(s.coord, &diverter.LogAlarm{}, cfg.Diverters.Health)

	s.upstream = opts.Upstream
	if s.upstream == nil {
		if s.upstream, err = newUpstream(cfg.Upstream); err != nil {
			s.upstream = nil
			return nil, err
		}
	}

	var source sensor.Source
	switch cfg.Sensor.Source {
	case config.SensorSimulator:
		s.simulator, err = sensor.NewLineSimulator(cfg.Sensor.Simulator, store.Topology, s.readWheel)
		if err != nil {
			return nil, err
		}
		source = s.simulator
	default:
		s.external = sensor.NewChannelSource(cfg.Sensor.Buffer)
		source = s.external
	}

	s.parcels = parcel.NewManager(cfg.Assignment.TerminalTTL)
	s.orch, err = orchestrator.New(orchestrator.Deps{
		Store:       store,
		Parcels:     s.parcels,
		Tracker:     tracker.New(cfg.Tracker),
		Throttle:    throttle.New(store.Throttle),
		Upstream:    s.upstream,
		Coordinator: s.coord,
		Monitor:     s.monitor,
		Journal:     s.journal,
		Publisher:   s.publisher,
		Metrics:     s.metrics,
		Source:      source,
	}, orchestrator.DefaultOptions())
	if err != nil {
		return nil, err
	}

	s.server = server.NewServer(s.orch, s.journal, s.metrics.Handler())
	if s.external != nil {
		s.server.WithTrigger(s.external.Trigger)
	}
	return s, nil
}

// newUpstream builds the configured assignment client.
func newUpstream(cfg config.UpstreamConfig) (upstream.Client, error) {
	switch cfg.Transport {
	case config.TransportGRPC:
		c, err := upstream.NewGRPCClient(cfg.Target)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.TransportWebSocket:
		return upstream.NewWebSocketClient(cfg.Target), nil
	}
	sim, err := upstream.NewSimulator(cfg.Simulator)
	if err != nil {
		return nil, err
	}
	return sim, nil
}

// readWheel reports a diverter's wheel to the line simulator.
func (s *System) readWheel(ctx context.Context, id types.DiverterID) (types.Direction, error) {
	d, ok := s.drivers[id]
	if !ok {
		return types.Straight, fmt.Errorf("%w: %s", diverter.ErrUnknownDiverter, id)
	}
	st, err := d.Status(ctx)
	if err != nil {
		return types.Straight, err
	}
	return st.Direction, nil
}

// Orchestrator exposes the running core.
func (s *System) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// Simulator is the line simulator, or nil for external sensors.
func (s *System) Simulator() *sensor.LineSimulator { return s.simulator }

// Run serves until ctx is cancelled. A non-empty configPath is watched for
// changes. All components are closed before Run returns.
func (s *System) Run(ctx context.Context, configPath string) error {
	return s.run(ctx, configPath)
}

func (s *System) run(ctx context.Context, configPath string) (err error) {
	cfg := s.store.Config()

	if err := s.coord.Start(); err != nil {
		_ = s.close()
		return fmt.Errorf("failed to start diverter coordinator: %w", err)
	}
	s.janitor = true
	go s.parcels.Start()

	infraCtx, stopInfra := context.WithCancel(context.Background())
	var infra errgroup.Group
	infra.Go(func() error { return s.journal.Run(infraCtx) })
	if s.kafka != nil {
		infra.Go(func() error { return s.kafka.Run(infraCtx) })
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.orch.Run(gctx) })
	g.Go(func() error { return s.server.ListenAndServe(gctx, cfg.HTTP.Addr) })
	if configPath != "" {
		g.Go(func() error { return s.store.Watch(gctx, configPath) })
	}

	slog.Info("Sorter started",
		"topology_version", s.store.Topology().Version,
		"diverters", s.store.Topology().DiverterCount(),
		"vendor", cfg.Diverters.Vendor,
		"upstream", cfg.Upstream.Transport,
		"sensor", cfg.Sensor.Source,
		"http", cfg.HTTP.Addr)

	err = g.Wait()
	if s.external != nil {
		s.external.Close()
	}
	stopInfra()
	err = multierr.Combine(err, infra.Wait(), s.close())
	slog.Info("Sorter stopped", "error", err)
	return err
}

// close releases everything NewSystem opened. It tolerates partial
// assembly.
func (s *System) close() error {
	var err error
	if s.coord != nil {
		s.coord.Stop()
	}
	if s.monitor != nil {
		s.monitor.Close()
	}
	if s.janitor {
		s.parcels.Stop()
		s.janitor = false
	}
	if s.upstream != nil {
		err = multierr.Append(err, s.upstream.Close())
	}
	if s.kafka != nil {
		err = multierr.Append(err, s.kafka.Close())
	}
	if s.journal != nil {
		err = multierr.Append(err, s.journal.Close())
	}
	return err
}
