// Package main provides the cartograph extraction pipeline daemon.
//
// One invocation runs one extraction over TARGET_DIR: discovery feeds the
// file-analysis queue, the staged workers extract and validate the code
// graph, and the process exits with the run's outcome code once every queue
// has drained.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cartograph-io/cartograph/internal/breaker"
	"github.com/cartograph-io/cartograph/internal/confidence"
	"github.com/cartograph-io/cartograph/internal/config"
	"github.com/cartograph-io/cartograph/internal/discovery"
	"github.com/cartograph-io/cartograph/internal/graph"
	"github.com/cartograph-io/cartograph/internal/health"
	"github.com/cartograph-io/cartograph/internal/llm"
	"github.com/cartograph-io/cartograph/internal/metrics"
	"github.com/cartograph-io/cartograph/internal/outbox"
	"github.com/cartograph-io/cartograph/internal/pipeline"
	"github.com/cartograph-io/cartograph/internal/pool"
	"github.com/cartograph-io/cartograph/internal/queue"
	"github.com/cartograph-io/cartograph/internal/storage"
	"github.com/cartograph-io/cartograph/internal/triangulation"
	"github.com/cartograph-io/cartograph/internal/workers"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "cartograph"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("CARTOGRAPH_LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting cartograph pipeline",
		slog.String("service", name),
		slog.String("version", version),
	)

	os.Exit(run(logger))
}

// run wires the full stack and drives one extraction run. Separated from
// main so deferred cleanup executes before the exit code is surrendered to
// os.Exit.
func run(logger *slog.Logger) int {
	pipeCfg, err := pipeline.LoadConfig()
	if err != nil {
		logger.Error("Failed to load pipeline configuration", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}

	storageCfg, err := storage.LoadConfig()
	if err != nil {
		logger.Error("Failed to load storage configuration", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}

	store, err := storage.Open(storageCfg, logger)
	if err != nil {
		logger.Error("Failed to open pipeline store", slog.String("error", err.Error()))
		if errors.Is(err, storage.ErrCorruption) {
			return pipeline.ExitCorruption
		}
		return pipeline.ExitConfigError
	}
	defer func() {
		_ = store.Close()
	}()

	logger.Info("Pipeline store opened",
		slog.String("path", storageCfg.Path),
		slog.Bool("wal", storageCfg.WALEnabled),
		slog.Bool("normalized", storageCfg.NormalizeOnStartup),
	)

	queueCfg, err := queue.LoadConfig()
	if err != nil {
		logger.Error("Failed to load queue configuration", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}

	broker, err := openBroker(queueCfg, logger)
	if err != nil {
		logger.Error("Failed to connect to queue broker", slog.String("error", err.Error()))
		return pipeline.ExitDependencyOutage
	}
	defer func() {
		_ = broker.Close()
	}()

	sink, err := openSink(logger)
	if err != nil {
		logger.Error("Failed to open graph sink", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}
	defer func() {
		_ = sink.Close()
	}()

	m := metrics.New()

	breakerCfg, err := breaker.LoadConfig()
	if err != nil {
		logger.Error("Failed to load breaker configuration", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}
	breakers := breaker.NewManager(breakerCfg)

	poolCfg, err := pool.LoadConfig()
	if err != nil {
		logger.Error("Failed to load pool configuration", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}

	pm, err := pool.NewManager(poolCfg, logger,
		pool.WithBreakers(breakers),
		pool.WithMetrics(m),
	)
	if err != nil {
		logger.Error("Failed to build worker pool", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}

	classes, err := loadClasses()
	if err != nil {
		logger.Error("Failed to load worker class configuration", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}
	for _, c := range classes {
		if err := pm.Register(c.Queue, c.Config); err != nil {
			logger.Error("Failed to register worker class",
				slog.String("class", c.Queue), slog.String("error", err.Error()))
			return pipeline.ExitConfigError
		}
	}

	logger.Info("Worker pool configured",
		slog.Int("classes", len(classes)),
		slog.Int("global_limit", poolCfg.MaxGlobalConcurrency),
	)

	scorerCfg, err := confidence.LoadConfig()
	if err != nil {
		logger.Error("Failed to load confidence configuration", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}
	scorer, err := confidence.NewScorer(scorerCfg)
	if err != nil {
		logger.Error("Failed to build confidence scorer", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}

	outboxCfg, err := outbox.LoadConfig()
	if err != nil {
		logger.Error("Failed to load outbox configuration", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}

	publisherOpts := []outbox.Option{
		outbox.WithMetrics(m),
		outbox.WithBackpressure(queueCfg.BackpressureHigh, queueCfg.BackpressureLow),
	}
	mirrorCfg := outbox.LoadMirrorConfig()
	if mirrorCfg.Enabled() {
		publisherOpts = append(publisherOpts, outbox.WithMirror(outbox.NewMirror(mirrorCfg, logger)))
		logger.Info("Outbox mirror enabled",
			slog.Int("brokers", len(mirrorCfg.Brokers)),
			slog.String("topic", mirrorCfg.Topic),
		)
	}

	publisher, err := outbox.NewPublisher(outboxCfg, store, broker, scorer, logger, publisherOpts...)
	if err != nil {
		logger.Error("Failed to build outbox publisher", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}

	client, liveProvider, err := openLLMClient(logger)
	if err != nil {
		logger.Error("Failed to build llm client", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}

	consensusCfg, err := confidence.LoadConsensusConfig()
	if err != nil {
		logger.Error("Failed to load consensus configuration", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}

	coordinator, err := triangulation.NewCoordinator(consensusCfg, store, client, breakers, logger)
	if err != nil {
		logger.Error("Failed to build triangulation coordinator", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}

	workerCfg, err := workers.LoadConfig()
	if err != nil {
		logger.Error("Failed to load worker configuration", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}

	stages := []workers.Worker{
		workers.NewFileAnalysisWorker(workerCfg, store, client, breakers, pipeCfg.TargetDir, logger),
		workers.NewDirectoryResolutionWorker(store, logger),
		workers.NewRelationshipResolutionWorker(workerCfg, store, pipeCfg.TargetDir, logger),
		workers.NewValidationWorker(workerCfg, store, scorer, logger),
		workers.NewTriangulationWorker(coordinator, logger),
		workers.NewGraphIngestWorker(workerCfg, store, sink, logger),
	}

	healthCfg, err := health.LoadConfig()
	if err != nil {
		logger.Error("Failed to load health configuration", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}

	monitor, err := health.NewMonitor(healthCfg, pm, logger, health.WithMetrics(m))
	if err != nil {
		logger.Error("Failed to build health monitor", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}

	if err := registerProbes(monitor, store, broker, sink, client, liveProvider); err != nil {
		logger.Error("Failed to register health probes", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}

	discoveryCfg, err := discovery.LoadConfig()
	if err != nil {
		logger.Error("Failed to load discovery configuration", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}
	walker, err := discovery.NewWalker(discoveryCfg, logger)
	if err != nil {
		logger.Error("Failed to build discovery walker", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}

	pipe, err := pipeline.New(pipeCfg, pipeline.Deps{
		Store:      store,
		Broker:     broker,
		Pool:       pm,
		Publisher:  publisher,
		Health:     monitor,
		Discoverer: walker,
		Workers:    stages,
		WorkerCfg:  workerCfg,
		Classes:    classes,
		Metrics:    m,
	}, logger)
	if err != nil {
		logger.Error("Failed to build pipeline coordinator", slog.String("error", err.Error()))
		return pipeline.ExitConfigError
	}

	ops := startOpsServer(m, monitor, logger)
	defer ops.close()

	// First signal requests an orderly stop; a second one aborts the process
	// the hard way in case the drain hangs.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Warn("Shutdown signal received", slog.String("signal", sig.String()))
		pipe.Stop()

		sig = <-sigs
		logger.Error("Second shutdown signal, aborting", slog.String("signal", sig.String()))
		os.Exit(pipeline.ExitStopped)
	}()

	result, runErr := pipe.Run(context.Background())
	if runErr != nil {
		logger.Error("Run ended with error",
			slog.String("run_id", result.RunID),
			slog.String("error", runErr.Error()),
		)
	}

	logger.Info("Cartograph run finished",
		slog.String("run_id", result.RunID),
		slog.String("state", string(result.State)),
		slog.Int("exit_code", result.ExitCode),
	)

	return result.ExitCode
}

// openBroker selects Redis when an address is configured, the in-memory
// broker otherwise.
func openBroker(cfg *queue.Config, logger *slog.Logger) (queue.Broker, error) {
	if cfg.RedisAddr == "" {
		logger.Info("Queue broker initialized", slog.String("backend", "memory"))
		return queue.NewMemoryBroker(), nil
	}

	broker, err := queue.NewRedisBroker(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}

	logger.Info("Queue broker initialized",
		slog.String("backend", "redis"),
		slog.String("addr", cfg.RedisAddr),
	)
	return broker, nil
}

// openSink selects the SQLite graph sink when a path is configured, the
// in-memory sink otherwise.
func openSink(logger *slog.Logger) (graph.Sink, error) {
	if config.GetEnvStr("CARTOGRAPH_GRAPH_DB_PATH", "") == "" {
		logger.Info("Graph sink initialized", slog.String("backend", "memory"))
		return graph.NewMemorySink(), nil
	}

	cfg, err := graph.LoadConfig()
	if err != nil {
		return nil, err
	}

	sink, err := graph.OpenSQLite(cfg, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("Graph sink initialized",
		slog.String("backend", "sqlite"),
		slog.String("path", cfg.Path),
	)
	return sink, nil
}

// openLLMClient builds the HTTP provider client when a base URL is set.
// Without one the run proceeds against the scripted client, which answers
// every prompt with an empty extraction; useful for pipeline dry runs.
func openLLMClient(logger *slog.Logger) (llm.Client, bool, error) {
	cfg, err := llm.LoadHTTPConfig()
	if err != nil {
		return nil, false, err
	}

	if cfg.BaseURL == "" {
		logger.Warn("No llm provider configured, running with empty extractions",
			slog.String("note", "set CARTOGRAPH_LLM_BASE_URL to analyze against a real model"),
		)
		return llm.NewScriptedClient(), false, nil
	}

	client, err := llm.NewHTTPClient(cfg, logger)
	if err != nil {
		return nil, false, err
	}

	logger.Info("LLM provider configured",
		slog.String("base_url", cfg.BaseURL),
		slog.String("model", cfg.Model),
	)
	return client, true, nil
}

// loadClasses merges the optional YAML override file onto the default worker
// class table.
func loadClasses() ([]pipeline.Class, error) {
	overrides, err := pipeline.LoadOverrides(config.GetEnvStr("CARTOGRAPH_CONFIG_FILE", ""))
	if err != nil {
		return nil, err
	}
	return pipeline.ApplyOverrides(pipeline.DefaultClasses(), overrides)
}

// registerProbes wires the dependency probes. The llm probe is only
// registered against a live provider; probing the scripted client would
// report a health no one has.
func registerProbes(monitor *health.Monitor, store *storage.Store, broker queue.Broker, sink graph.Sink, client llm.Client, liveProvider bool) error {
	if err := monitor.RegisterDependency(health.DependencyStore, health.StoreProbe(store), nil); err != nil {
		return err
	}
	if err := monitor.RegisterDependency(health.DependencyBroker, health.BrokerProbe(broker), nil); err != nil {
		return err
	}
	if err := monitor.RegisterDependency(health.DependencySink, health.SinkProbe(sink), nil); err != nil {
		return err
	}
	if liveProvider && config.GetEnvBool("CARTOGRAPH_HEALTH_PROBE_LLM", false) {
		return monitor.RegisterDependency(health.DependencyLLM, health.LLMProbe(client), nil)
	}
	return nil
}
