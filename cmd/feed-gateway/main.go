package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/tickmux/exit-engine/internal/chaos"
	"github.com/tickmux/exit-engine/internal/config"
	"github.com/tickmux/exit-engine/internal/feed"
	"github.com/tickmux/exit-engine/internal/logging"
	"github.com/tickmux/exit-engine/internal/msg"
	"github.com/tickmux/exit-engine/internal/muxer"
	"github.com/tickmux/exit-engine/internal/observability"
)

// chaosDialer injects dial failures and delays for reconnect drills.
type chaosDialer struct {
	inner feed.Dialer
	chaos *chaos.Chaos
}

func (d *chaosDialer) Dial(ctx context.Context, key feed.Key) (feed.Conn, error) {
	if err := d.chaos.MaybeDelay(ctx, "feed", "dial"); err != nil {
		return nil, err
	}
	if d.chaos.MaybeDrop("feed", "dial") {
		return nil, fmt.Errorf("feed dial dropped by chaos injection")
	}
	return d.inner.Dial(ctx, key)
}

func main() {
	// Load configuration
	cfg := config.LoadConfig("feed-gateway")

	// Initialize logger
	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting feed-gateway service",
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("kafka_brokers", cfg.KafkaBrokers),
		zap.String("feeds_file", cfg.FeedsFile),
	)

	// Load initial subscriptions; a broken feeds file refuses startup
	feeds, err := config.LoadFeeds(cfg.FeedsFile)
	if err != nil {
		logger.Fatal("failed to load feeds file", zap.Error(err))
	}

	// Create health checker
	healthChecker := observability.NewHealthChecker(logger)

	// Create Kafka producer for ticks
	brokers := msg.ParseBrokers(cfg.KafkaBrokers)
	producer, err := msg.NewProducer(brokers, logger)
	if err != nil {
		logger.Fatal("failed to create kafka producer", zap.Error(err))
	}
	defer producer.Close()

	// Create the multiplexer over a chaos-wrapped websocket dialer
	chaosInj := chaos.New(chaos.LoadConfig(), logger)
	dialer := &chaosDialer{inner: feed.NewWSDialer(), chaos: chaosInj}

	mux := muxer.New(dialer, producer, muxer.Options{
		UnsubscribeGrace: cfg.UnsubscribeGrace,
		ReconnectBase:    cfg.ReconnectBase,
		ReconnectCap:     cfg.ReconnectCap,
		StalenessWindow:  cfg.StalenessWindow,
		WatchdogInterval: cfg.WatchdogInterval,
	}, logger)
	defer mux.Close()

	for _, entry := range feeds.Feeds {
		for _, symbol := range entry.Symbols {
			if err := mux.Subscribe(entry.Exchange, symbol, "feeds-file"); err != nil {
				logger.Fatal("failed to subscribe initial feed",
					zap.String("exchange", entry.Exchange),
					zap.String("symbol", symbol),
					zap.Error(err),
				)
			}
		}
	}
	healthChecker.SetComponentReady("feeds", true)

	// Create gRPC server
	grpcServer := grpc.NewServer()
	healthChecker.RegisterGRPC(grpcServer)

	// Start gRPC server
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

	// Start HTTP server with subscription admin endpoints
	httpErrCh := make(chan error, 1)
	go func() {
		err := healthChecker.StartHTTPServer(cfg.HTTPAddr(), func(m *http.ServeMux) {
			m.HandleFunc("/subscriptions", subscriptionHandler(mux, logger))
		})
		if err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	// Start the muxer watchdog/stats loop
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	muxErrCh := make(chan error, 1)
	go func() {
		if err := mux.Run(ctx); err != nil && err != context.Canceled {
			muxErrCh <- err
		}
	}()

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
	case err := <-muxErrCh:
		logger.Error("muxer error", zap.Error(err))
	}

	// Graceful shutdown
	logger.Info("shutting down gracefully...")

	cancel()
	mux.Close()
	producer.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}

	grpcServer.GracefulStop()

	logger.Info("feed-gateway service stopped")
}

type subscriptionRequest struct {
	Exchange     string `json:"exchange"`
	Symbol       string `json:"symbol"`
	SubscriberID string `json:"subscriber_id"`
}

// subscriptionHandler exposes the multiplexer contract over HTTP:
// POST adds a subscriber, DELETE removes one.
func subscriptionHandler(mux *muxer.Muxer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req subscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Exchange == "" || req.Symbol == "" || req.SubscriberID == "" {
			http.Error(w, "exchange, symbol and subscriber_id are required", http.StatusBadRequest)
			return
		}

		var err error
		switch r.Method {
		case http.MethodPost:
			err = mux.Subscribe(req.Exchange, req.Symbol, req.SubscriberID)
		case http.MethodDelete:
			err = mux.Unsubscribe(req.Exchange, req.Symbol, req.SubscriberID)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err != nil {
			logger.Warn("subscription request failed",
				zap.String("method", r.Method),
				zap.String("exchange", req.Exchange),
				zap.String("symbol", req.Symbol),
				zap.Error(err),
			)
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"refcount":%d}`, mux.Refcount(req.Exchange, req.Symbol))
	}
}
