package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/tickmux/exit-engine/internal/chaos"
	"github.com/tickmux/exit-engine/internal/config"
	"github.com/tickmux/exit-engine/internal/evaluator"
	"github.com/tickmux/exit-engine/internal/execution"
	"github.com/tickmux/exit-engine/internal/exitlog"
	"github.com/tickmux/exit-engine/internal/logging"
	"github.com/tickmux/exit-engine/internal/msg"
	"github.com/tickmux/exit-engine/internal/observability"
	"github.com/tickmux/exit-engine/internal/tracker"
)

// replayPollWindow bounds one replay poll; an empty window means the
// registry has caught up with the order lifecycle log.
const replayPollWindow = 2 * time.Second

func main() {
	// Load configuration
	cfg := config.LoadConfig("exit-monitor")

	// Initialize logger
	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting exit-monitor service",
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("kafka_brokers", cfg.KafkaBrokers),
		zap.String("data_dir", cfg.DataDir),
		zap.String("execution_base_url", cfg.ExecutionBaseURL),
	)

	// Create data directory
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	// Open the exit log store
	dbPath := filepath.Join(cfg.DataDir, "exits.db")
	store, err := exitlog.Open(dbPath)
	if err != nil {
		logger.Fatal("failed to open exit log store", zap.Error(err))
	}
	defer store.Close()

	logger.Info("exit log store opened", zap.String("path", dbPath))

	// Create health checker; not ready until replay completes
	healthChecker := observability.NewHealthChecker(logger)
	healthChecker.SetComponentReady("replay", false)

	// Create Kafka producer for the outbox publisher
	brokers := msg.ParseBrokers(cfg.KafkaBrokers)
	producer, err := msg.NewProducer(brokers, logger)
	if err != nil {
		logger.Fatal("failed to create kafka producer", zap.Error(err))
	}
	defer producer.Close()

	// Create the execution collaborator client
	chaosInj := chaos.New(chaos.LoadConfig(), logger)
	execClient := execution.NewClient(cfg.ExecutionBaseURL, cfg.ExecutionTimeout, chaosInj, logger)

	// Build the registry and replay the order lifecycle log. Replay
	// failure is a fatal configuration error: the service must not serve
	// live traffic without a reconstructed registry.
	registry := tracker.NewRegistry(cfg.DefaultTrailRatio, logger)

	orderReader, err := msg.NewLogReader(brokers, msg.TopicOrderLifecycle, logger)
	if err != nil {
		logger.Fatal("failed to create order lifecycle reader", zap.Error(err))
	}
	defer orderReader.Close()

	replayCtx, replayCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	applied, err := registry.Replay(replayCtx, orderReader, replayPollWindow)
	replayCancel()
	if err != nil {
		logger.Fatal("registry replay failed", zap.Error(err))
	}
	healthChecker.SetComponentReady("replay", true)
	logger.Info("registry ready", zap.Int("events_replayed", applied), zap.Int("trackers", registry.Len()))

	// Wire evaluator and exit publisher
	publisher := exitlog.NewPublisher(store, producer, execClient, logger)
	eval := evaluator.New(registry, publisher, cfg.EvaluatorPartitions, cfg.PartitionQueueSize, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eval.Start(ctx)

	// Keep consuming live order lifecycle events on the same reader the
	// replay drained, so no event falls between replay and live.
	orderErrCh := make(chan error, 1)
	go func() {
		for {
			records, err := orderReader.Poll(ctx, replayPollWindow)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				orderErrCh <- err
				return
			}
			for _, rec := range records {
				ev, err := msg.DecodeOrderEvent(rec.Value)
				if err != nil {
					logger.Warn("skipping undecodable order event",
						zap.Int64("offset", rec.Offset),
						zap.Error(err),
					)
					continue
				}
				registry.Apply(ev)
			}
		}
	}()

	// Consume ticks into the evaluator's partition queues
	tickConsumer, err := msg.NewConsumer(brokers, "exit-monitor-v1", []string{msg.TopicMarketTicks}, logger)
	if err != nil {
		logger.Fatal("failed to create tick consumer", zap.Error(err))
	}
	defer tickConsumer.Close()

	tickErrCh := make(chan error, 1)
	go func() {
		err := tickConsumer.Run(ctx, func(ctx context.Context, rec msg.Record) error {
			tick, err := msg.DecodeTick(rec.Value)
			if err != nil {
				logger.Warn("skipping undecodable tick",
					zap.String("key", rec.Key),
					zap.Error(err),
				)
				return nil
			}
			// A full partition queue returns an error: the consumer's
			// bounded retry backs off and the condition is surfaced
			// loudly instead of silently absorbed.
			return eval.Submit(tick)
		})
		if err != nil {
			tickErrCh <- err
		}
	}()

	// Start the outbox publisher loop
	publisherErrCh := make(chan error, 1)
	go func() {
		if err := publisher.Run(ctx); err != nil && err != context.Canceled {
			publisherErrCh <- err
		}
	}()

	// Create gRPC server
	grpcServer := grpc.NewServer()
	healthChecker.RegisterGRPC(grpcServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			grpcErrCh <- err
		}
	}()

	// Start HTTP health server
	httpErrCh := make(chan error, 1)
	go func() {
		if err := healthChecker.StartHTTPServer(cfg.HTTPAddr(), nil); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	// Wait for the tick consumer to start
	time.Sleep(1 * time.Second)
	healthChecker.SetComponentReady("kafka", tickConsumer.IsRunning())

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-grpcErrCh:
		logger.Error("gRPC server error", zap.Error(err))
	case err := <-httpErrCh:
		logger.Error("HTTP server error", zap.Error(err))
	case err := <-tickErrCh:
		logger.Error("tick consumer error", zap.Error(err))
	case err := <-orderErrCh:
		logger.Error("order lifecycle reader error", zap.Error(err))
	case err := <-publisherErrCh:
		logger.Error("outbox publisher error", zap.Error(err))
	}

	// Graceful shutdown
	logger.Info("shutting down gracefully...")

	cancel()
	eval.Wait()
	tickConsumer.Close()
	orderReader.Close()
	producer.Close()
	store.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}

	grpcServer.GracefulStop()

	logger.Info("exit-monitor service stopped")
}
