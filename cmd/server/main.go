package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/config"
	"github.com/t77yq/flow-manager/internal/coordinator"
	"github.com/t77yq/flow-manager/internal/events"
	"github.com/t77yq/flow-manager/internal/executor"
	"github.com/t77yq/flow-manager/internal/handler"
	"github.com/t77yq/flow-manager/internal/model"
	"github.com/t77yq/flow-manager/internal/monitor"
	"github.com/t77yq/flow-manager/internal/scheduler"
	"github.com/t77yq/flow-manager/internal/storage"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	nc, err := config.ConnectNATS(cfg.NATS, cfg.App.Name, logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	// Create JetStream context
	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	store, storeCloser, err := openCheckpointStore(cfg.Storage, js, logger)
	if err != nil {
		logger.Fatal("Failed to open checkpoint store", zap.Error(err))
	}
	defer storeCloser.Close()

	// Create task history storage
	history, err := storage.NewSQLiteTaskHistory(logger, cfg.Storage.HistoryPath)
	if err != nil {
		logger.Fatal("Failed to create task history storage", zap.Error(err))
	}
	defer history.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The alert manager is both an event consumer and a source of events,
	// so its output sink is assembled before it is added to the fan-out.
	jsSink, err := events.NewJetStreamSink(js, logger)
	if err != nil {
		logger.Fatal("Failed to create event stream", zap.Error(err))
	}
	out := events.MultiSink{events.NewLogSink(logger), jsSink}

	var coord *coordinator.Coordinator
	alerts := monitor.NewAlertManager(logger, out, waitingFunc(func() []model.WaitingTask {
		return coord.WaitingTasks()
	}), cfg.Alerts.Interval)
	if err := alerts.AddRule(&model.AlertRule{
		ID:        "capacity-starvation",
		Name:      "Eligible task waiting for capacity",
		Type:      model.AlertTypeStarvation,
		Threshold: cfg.Alerts.StarvationThreshold,
		Severity:  model.AlertSeverityWarning,
	}); err != nil {
		logger.Fatal("Failed to add alert rule", zap.Error(err))
	}
	if err := alerts.AddRule(&model.AlertRule{
		ID:       "task-failure",
		Name:     "Task failed terminally",
		Type:     model.AlertTypeTaskFailure,
		Severity: model.AlertSeverityError,
	}); err != nil {
		logger.Fatal("Failed to add alert rule", zap.Error(err))
	}

	sink := events.NewAsyncSink(events.MultiSink{
		out,
		events.NewHistorySink(history, logger),
		alerts,
	}, 1024, logger)
	defer sink.Close()

	health := monitor.NewHealthMonitor(monitor.HealthConfig{
		HeartbeatInterval:   cfg.Health.HeartbeatInterval,
		DegradedAfterMissed: cfg.Health.DegradedAfterMissed,
		UnreachableTimeout:  cfg.Health.UnreachableTimeout,
		RemoveAfter:         cfg.Health.RemoveAfter,
	}, sink, logger)

	retry := scheduler.NewRetryPolicy(
		scheduler.NewExponentialBackoff(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Retry.Jitter),
		cfg.Retry.DefaultMaxAttempts)

	var strategy scheduler.BalancingStrategy = &scheduler.LeastLoadStrategy{}
	if cfg.Scheduler.Strategy == "round_robin" {
		strategy = &scheduler.RoundRobinStrategy{}
	}

	coord, err = coordinator.NewCoordinator(coordinator.Config{
		MaxInFlight:       cfg.Scheduler.MaxInFlight,
		PassInterval:      cfg.Scheduler.PassInterval,
		CheckpointTimeout: cfg.Scheduler.CheckpointTimeout,
		SubmitTimeout:     cfg.Scheduler.SubmitTimeout,
		Strategy:          strategy,
	}, store, health, retry, sink, logger)
	if err != nil {
		logger.Fatal("Failed to create coordinator", zap.Error(err))
	}

	metrics := monitor.NewMetricsCollector(coord, sink, cfg.Metrics.Interval, logger)

	components := []struct {
		name  string
		start func(context.Context) error
	}{
		{"health monitor", health.Start},
		{"coordinator", coord.Start},
		{"alert manager", alerts.Start},
		{"metrics collector", metrics.Start},
	}
	for _, c := range components {
		if err := c.start(ctx); err != nil {
			logger.Fatal("Failed to start component", zap.String("component", c.name), zap.Error(err))
		}
	}
	defer health.Stop()
	defer coord.Stop()
	defer alerts.Stop()
	defer metrics.Stop()

	if cfg.Worker.Local {
		exec, containers := startLocalWorker(ctx, cfg.Worker, coord, metrics, logger)
		defer exec.Stop()
		if containers != nil {
			defer containers.Close()
		}
	}

	remotes := newRemotePool(nc, coord, metrics, logger)
	hbSub, err := executor.SubscribeHeartbeats(nc, logger, remotes.handleHeartbeat)
	if err != nil {
		logger.Fatal("Failed to subscribe to heartbeats", zap.Error(err))
	}
	defer hbSub.Unsubscribe()
	defer remotes.Close()

	recovered, err := coord.RecoverAll(ctx)
	if err != nil {
		logger.Error("Some workflows could not be recovered", zap.Error(err))
	}
	logger.Info("Recovered workflows from checkpoints", zap.Int("count", recovered))

	crons := scheduler.NewCronScheduler(coord, logger)
	for _, sc := range cfg.Schedules {
		def, err := model.LoadDefinition(sc.File)
		if err != nil {
			logger.Error("Failed to load scheduled workflow",
				zap.String("schedule_id", sc.ID),
				zap.String("file", sc.File),
				zap.Error(err))
			continue
		}
		if err := crons.AddSchedule(ctx, &model.CronSchedule{
			ID:         sc.ID,
			Name:       sc.Name,
			Expression: sc.Expression,
			Definition: def,
		}); err != nil {
			logger.Error("Failed to add schedule", zap.String("schedule_id", sc.ID), zap.Error(err))
		}
	}
	if err := crons.SubscribeCommands(ctx, js); err != nil {
		logger.Error("Failed to subscribe to schedule commands", zap.Error(err))
	}
	if err := crons.Start(ctx); err != nil {
		logger.Fatal("Failed to start cron scheduler", zap.Error(err))
	}
	defer crons.Stop()
	for _, sc := range crons.ListSchedules() {
		logger.Info("Schedule active",
			zap.String("schedule_id", sc.ID),
			zap.String("expression", sc.Expression),
			zap.Timep("next_run", sc.NextRunTime))
	}

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Cleanup old history
	go func() {
		cleanupTicker := time.NewTicker(24 * time.Hour)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanupTicker.C:
				cutoff := time.Now().Add(-cfg.Storage.HistoryRetention)
				n, err := history.DeleteBefore(ctx, cutoff)
				if err != nil {
					logger.Error("Failed to cleanup old task history", zap.Error(err))
					continue
				}
				logger.Info("Cleaned up task history", zap.Int64("deleted", n))
			}
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	stats := coord.Stats()
	if stats.InFlight > 0 {
		logger.Info("Shutting down with running attempts; they are failed on recovery",
			zap.Int("count", stats.InFlight))
	}
	logger.Info("Server shutting down gracefully")
}

type waitingFunc func() []model.WaitingTask

func (f waitingFunc) WaitingTasks() []model.WaitingTask { return f() }

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openCheckpointStore(cfg config.StorageConfig, js nats.JetStreamContext, logger *zap.Logger) (storage.CheckpointStore, io.Closer, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("Using in-memory checkpoints; workflows will not survive a restart")
		return storage.NewMemoryCheckpointStore(), nopCloser{}, nil
	case config.DriverNATS:
		store, err := storage.NewJetStreamCheckpointStore(js, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, nopCloser{}, nil
	default:
		store, err := storage.NewSQLiteCheckpointStore(logger, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}
}

// startLocalWorker runs an in-process executor and keeps its heartbeat
// flowing into the coordinator
func startLocalWorker(ctx context.Context, cfg config.WorkerConfig, coord *coordinator.Coordinator, metrics *monitor.MetricsCollector, logger *zap.Logger) (*executor.Executor, *handler.ContainerHandler) {
	exec, err := executor.NewExecutor(executor.ExecutorConfig{
		ID:         cfg.ID,
		Capacity:   cfg.Capacity,
		LogDir:     cfg.LogDir,
		MaxLogSize: cfg.MaxLogSize,
		MaxLogAge:  cfg.MaxLogAge,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create executor", zap.Error(err))
	}

	containers := newContainerHandler(ctx, cfg, logger)
	handler.RegisterDefaults(exec, handler.Options{
		FileBaseDir: cfg.FileBaseDir,
		Container:   containers,
	}, logger)

	if err := exec.Start(ctx); err != nil {
		logger.Fatal("Failed to start executor", zap.Error(err))
	}
	if err := coord.RegisterWorker(exec); err != nil {
		logger.Fatal("Failed to register local worker", zap.Error(err))
	}

	go exec.RunHeartbeats(ctx, cfg.HeartbeatInterval, func(hb model.Heartbeat) error {
		metrics.RecordWorkerStats(hb.WorkerID, hb.Stats)
		return coord.Heartbeat(hb.WorkerID, hb.Load)
	})
	return exec, containers
}

func newContainerHandler(ctx context.Context, cfg config.WorkerConfig, logger *zap.Logger) *handler.ContainerHandler {
	if !cfg.EnableContainer {
		return nil
	}
	containers, err := handler.NewContainerHandler(logger)
	if err != nil {
		logger.Warn("Container handler disabled", zap.Error(err))
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := containers.Ping(pingCtx); err != nil {
		logger.Warn("Docker daemon unreachable, container handler disabled", zap.Error(err))
		containers.Close()
		return nil
	}
	return containers
}

// remotePool registers NATS workers the first time they announce themselves
type remotePool struct {
	nc      *nats.Conn
	coord   *coordinator.Coordinator
	metrics *monitor.MetricsCollector
	logger  *zap.Logger

	mu      sync.Mutex
	workers map[string]*executor.RemoteWorker
}

func newRemotePool(nc *nats.Conn, coord *coordinator.Coordinator, metrics *monitor.MetricsCollector, logger *zap.Logger) *remotePool {
	return &remotePool{
		nc:      nc,
		coord:   coord,
		metrics: metrics,
		logger:  logger.Named("remote-pool"),
		workers: make(map[string]*executor.RemoteWorker),
	}
}

func (p *remotePool) handleHeartbeat(hb model.Heartbeat) {
	if hb.WorkerID == "" {
		return
	}

	if !p.coord.HasWorker(hb.WorkerID) {
		if err := p.register(hb); err != nil {
			p.logger.Error("Failed to register remote worker",
				zap.String("worker_id", hb.WorkerID),
				zap.Error(err))
			return
		}
	}

	p.metrics.RecordWorkerStats(hb.WorkerID, hb.Stats)
	if err := p.coord.Heartbeat(hb.WorkerID, hb.Load); err != nil {
		p.logger.Warn("Failed to record heartbeat",
			zap.String("worker_id", hb.WorkerID),
			zap.Error(err))
	}
}

func (p *remotePool) register(hb model.Heartbeat) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A worker that was removed and came back gets a fresh result subscription.
	if old, ok := p.workers[hb.WorkerID]; ok {
		old.Close()
		delete(p.workers, hb.WorkerID)
		p.metrics.ForgetWorker(hb.WorkerID)
	}

	w, err := executor.NewRemoteWorker(p.nc, hb, p.logger)
	if err != nil {
		return err
	}
	if err := p.coord.RegisterWorker(w); err != nil {
		w.Close()
		return err
	}
	p.workers[hb.WorkerID] = w
	return nil
}

func (p *remotePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, w := range p.workers {
		w.Close()
		delete(p.workers, id)
	}
}
