package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ferrydb/ferry/admin"
	"github.com/ferrydb/ferry/cfg"
	"github.com/ferrydb/ferry/coordinator"
	"github.com/ferrydb/ferry/events"
	_ "github.com/ferrydb/ferry/events/sink"
	"github.com/ferrydb/ferry/health"
	"github.com/ferrydb/ferry/hlc"
	"github.com/ferrydb/ferry/queue"
	"github.com/ferrydb/ferry/recovery"
	"github.com/ferrydb/ferry/router"
	"github.com/ferrydb/ferry/store"
	"github.com/ferrydb/ferry/telemetry"
	"github.com/ferrydb/ferry/worker"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Ferry - Partitioned Replication with Durable Retry")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	topology := &router.Topology{
		CentralNodeID:    cfg.Config.Topology.CentralNodeID,
		PartitionNodeIDs: cfg.Config.Topology.PartitionNodeIDs,
	}
	rt := buildRouter(topology)

	// Open one record store per node in the topology
	log.Info().Int("nodes", len(topology.Nodes())).Msg("Opening record stores")
	stores := store.NewNodeSet()
	for _, nodeID := range topology.Nodes() {
		recStore, err := store.NewSQLiteRecordStore(
			cfg.RecordStorePath(nodeID),
			cfg.Config.Store.BusyTimeoutMS,
			cfg.Config.Store.ReadCacheSize,
		)
		if err != nil {
			log.Fatal().Err(err).Uint64("node_id", nodeID).Msg("Failed to open record store")
			return
		}
		stores.Register(nodeID, recStore)
	}
	defer stores.Close()

	// Open the durable retry queue
	jobs, err := buildJobStore()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open retry queue")
		return
	}
	defer jobs.Close()

	// Lifecycle events
	publisher, err := events.NewPublisher(cfg.Config.Events)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize events publisher")
		return
	}
	publisher.Start()
	defer publisher.Stop()

	// Health oracle: every node starts healthy, the admin surface and the
	// tracker flip states as outages are observed
	oracle := health.NewStaticOracle(topology.Nodes()...)
	probeInterval := time.Duration(cfg.Config.Health.ProbeIntervalMS) * time.Millisecond
	probeTimeout := time.Duration(cfg.Config.Health.ProbeTimeoutMS) * time.Millisecond
	tracker := health.NewTracker(oracle, topology.Nodes(), probeInterval, probeTimeout)

	// Replication machinery
	clock := hlc.NewClock(cfg.Config.NodeID)
	coord := coordinator.New(topology, rt, stores, jobs, oracle, clock, publisher)
	recoverer := recovery.NewManager(topology, rt, stores, jobs, coord,
		cfg.Config.Recovery.ReconcileWindow,
		time.Duration(cfg.Config.Recovery.ApplyTimeoutMS)*time.Millisecond, publisher)

	var queueWorker *worker.Worker
	if cfg.Config.Worker.Enabled {
		queueWorker, err = worker.New(worker.Config{
			Jobs:         jobs,
			Coordinator:  coord,
			Oracle:       oracle,
			Publisher:    publisher,
			Targets:      topology.Nodes(),
			PollInterval: time.Duration(cfg.Config.Worker.PollIntervalMS) * time.Millisecond,
			ApplyTimeout: time.Duration(cfg.Config.Worker.ApplyTimeoutMS) * time.Millisecond,
			LeaseTimeout: time.Duration(cfg.Config.Queue.LeaseTimeoutSeconds) * time.Second,
			ReapInterval: time.Duration(cfg.Config.Queue.ReapIntervalSeconds) * time.Second,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize queue worker")
			return
		}
		queueWorker.Start()
		defer queueWorker.Stop()
	}

	tracker.Start()
	defer tracker.Stop()

	// Recover partitions automatically when they come back online
	var stopAutoRecover func()
	if cfg.Config.Recovery.AutoRecover {
		stopAutoRecover = startAutoRecover(tracker, topology, recoverer, publisher)
		defer stopAutoRecover()
	}

	// Admin HTTP surface
	if cfg.Config.Admin.Enabled {
		mux := http.NewServeMux()
		handlers := admin.NewHandlers(topology, jobs, oracle, recoverer, queueWorker)
		admin.RegisterRoutes(mux, handlers)

		adminAddr := fmt.Sprintf("%s:%d", cfg.Config.Admin.Address, cfg.Config.Admin.Port)
		adminServer := &http.Server{Addr: adminAddr, Handler: mux}
		go func() {
			log.Info().Str("addr", adminAddr).Msg("Admin HTTP server listening")
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Admin HTTP server failed")
			}
		}()
		defer shutdownHTTP(adminServer, "admin")
	}

	// Prometheus metrics endpoint
	if handler := telemetry.GetMetricsHandler(); handler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)

		metricsAddr := fmt.Sprintf("%s:%d", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port)
		metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			log.Info().Str("addr", metricsAddr).Msg("Metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer shutdownHTTP(metricsServer, "metrics")
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Uint64("central_node", topology.CentralNodeID).
		Int("partitions", len(topology.PartitionNodeIDs)).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Ferry started successfully")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}

func buildRouter(topology *router.Topology) router.Router {
	switch cfg.Config.Topology.Router {
	case cfg.RouterHash:
		return router.NewHashRouter(topology.PartitionNodeIDs)
	default:
		return router.NewModuloRouter(topology.PartitionNodeIDs)
	}
}

func buildJobStore() (queue.JobStore, error) {
	if cfg.Config.Queue.Backend == cfg.QueueMemory {
		log.Warn().Msg("Using in-memory retry queue, jobs will not survive restarts")
		return queue.NewMemoryJobStore(cfg.Config.Queue.MaxRetries), nil
	}
	return queue.NewSQLiteJobStore(
		cfg.QueueStorePath(),
		cfg.Config.Queue.BusyTimeoutMS,
		cfg.Config.Queue.MaxRetries,
	)
}

// startAutoRecover drains the backlog for a partition as soon as the
// tracker reports it back online. Returns a function that stops the
// subscription loop.
func startAutoRecover(tracker *health.Tracker, topology *router.Topology,
	recoverer *recovery.Manager, publisher *events.Publisher) func() {

	transitions, cancel := tracker.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for tr := range transitions {
			if tr.Healthy {
				publisher.Emit(events.NewEvent(events.KindNodeOnline, tr.NodeID))
			} else {
				publisher.Emit(events.NewEvent(events.KindNodeOffline, tr.NodeID))
			}

			if !tr.Healthy || !topology.IsPartition(tr.NodeID) {
				continue
			}

			log.Info().Uint64("node_id", tr.NodeID).Msg("Node back online, starting recovery")
			if _, err := recoverer.RecoverNode(context.Background(), tr.NodeID); err != nil {
				log.Error().Err(err).Uint64("node_id", tr.NodeID).Msg("Automatic recovery failed")
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func shutdownHTTP(server *http.Server, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Str("server", name).Msg("HTTP server shutdown failed")
	}
}
