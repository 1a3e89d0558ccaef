package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/execution-tracker/internal/config"
	"github.com/t77yq/execution-tracker/internal/model"
	"github.com/t77yq/execution-tracker/internal/monitor"
	"github.com/t77yq/execution-tracker/internal/notify"
	"github.com/t77yq/execution-tracker/internal/storage"
	"github.com/t77yq/execution-tracker/internal/telemetry"
	"github.com/t77yq/execution-tracker/internal/tracker"
)

func newRunCommand(configPath *string) *cobra.Command {
	var demo bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the tracker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return run(cfg, demo)
		},
	}
	cmd.Flags().BoolVar(&demo, "demo", true, "drive sample executions through the tracker")
	return cmd
}

func run(cfg *config.Config, demo bool) error {
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Metrics.OTLPEndpoint, cfg.App.Name, cfg.App.Version,
		cfg.Metrics.OTLPInsecure, cfg.Metrics.Interval)
	if err != nil {
		return err
	}
	instruments, err := telemetry.NewInstruments(nil)
	if err != nil {
		return err
	}

	history, err := storage.NewSQLiteExecutionHistory(logger, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to create execution history storage: %w", err)
	}
	defer history.Close()

	opts := []tracker.Option{
		tracker.WithListener(notify.NewLogNotifier(logger)),
		tracker.WithRecoveryHook(tracker.NewLoggingRecoveryHook(logger)),
		tracker.WithArchiver(history),
		tracker.WithInstruments(instruments),
	}

	var js nats.JetStreamContext
	if cfg.NATS.URL != "" {
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()

		js, err = nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}

		notifier := notify.NewNATSNotifier(js, logger)
		if err := notifier.EnsureStream(); err != nil {
			return err
		}
		opts = append(opts, tracker.WithListener(notifier))
	} else {
		logger.Info("NATS disabled, events are only logged")
	}

	t := tracker.New(cfg.TrackerConfig(), logger, opts...)
	if err := t.Start(ctx); err != nil {
		return err
	}

	collector := monitor.NewMetricsCollector(js, t, cfg.Metrics.Interval, logger)
	collectorDone := make(chan error, 1)
	go func() { collectorDone <- collector.Run(ctx) }()

	var wg sync.WaitGroup
	if demo {
		runDemo(ctx, t, cfg.Heartbeat.Interval, logger, &wg)
	}

	// Wait for shutdown signal
	<-ctx.Done()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	var errs []error
	if err := t.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := <-collectorDone; err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush telemetry: %w", err))
	}

	logger.Info("Tracker shut down gracefully",
		zap.Int("active_executions", len(t.GetAllActiveExecutions())))
	return errors.Join(errs...)
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var (
		nc  *nats.Conn
		err error
	)
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after retries: %w", err)
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// demoAgent describes one simulated execution
type demoAgent struct {
	name      string
	steps     int
	stallAt   int
	failAt    int
	recoverOK bool
}

// runDemo drives sample executions: most finish, one stops heartbeating and is
// declared dead, one fails and is retried.
func runDemo(ctx context.Context, t *tracker.Tracker, interval time.Duration, logger *zap.Logger, wg *sync.WaitGroup) {
	agents := []demoAgent{
		{name: "triage_agent", steps: 3},
		{name: "analysis_agent", steps: 5},
		{name: "anomaly_detector", steps: 5, stallAt: 2},
		{name: "synthetic_generator", steps: 4, failAt: 2, recoverOK: true},
	}

	step := interval / 2
	if step <= 0 {
		step = time.Second
	}
	runID := fmt.Sprintf("demo-%d", time.Now().Unix())

	for _, agent := range agents {
		wg.Add(1)
		go func(agent demoAgent) {
			defer wg.Done()
			driveDemoAgent(ctx, t, runID, agent, step, logger)
		}(agent)
	}
}

func driveDemoAgent(ctx context.Context, t *tracker.Tracker, runID string, agent demoAgent, step time.Duration, logger *zap.Logger) {
	id, err := t.StartExecution(ctx, runID, agent.name, map[string]interface{}{"demo": true})
	if err != nil {
		logger.Error("Failed to start demo execution", zap.String("agent_name", agent.name), zap.Error(err))
		return
	}

	ticker := time.NewTicker(step)
	defer ticker.Stop()

	failed := false
	for i := 1; i <= agent.steps; i++ {
		select {
		case <-ctx.Done():
			t.AbortExecution(context.WithoutCancel(ctx), id, "tracker shutting down")
			return
		case <-ticker.C:
		}

		if agent.stallAt > 0 && i == agent.stallAt {
			logger.Info("Demo agent stopped heartbeating", zap.String("execution_id", id))
			return
		}
		if agent.failAt > 0 && i == agent.failAt && !failed {
			failed = true
			t.HandleExecutionFailure(ctx, id, fmt.Errorf("%s: simulated upstream error", agent.name))
			if !agent.recoverOK || !t.BeginRecovery(ctx, id, "retry") {
				return
			}
			continue
		}

		t.UpdateExecutionProgress(ctx, id, model.Progress{
			Stage:      fmt.Sprintf("step-%d", i),
			Percentage: float64(i) * 100 / float64(agent.steps),
		})
	}

	t.CompleteExecution(ctx, id, model.ExecutionResult{
		Success: true,
		Output:  map[string]interface{}{"steps": agent.steps},
	})
}
