package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tickmux/exit-engine/internal/logging"
	"github.com/tickmux/exit-engine/internal/msg"
)

func main() {
	var (
		brokers   = flag.String("brokers", "127.0.0.1:9092", "Kafka broker addresses")
		seed      = flag.Int64("seed", 42, "Random seed for deterministic generation")
		symbol    = flag.String("symbol", "BTCUSDT", "Symbol for generated orders and ticks")
		orders    = flag.Int("orders", 20, "Number of orders to create and fill")
		ticks     = flag.Int("ticks", 200, "Number of ticks in the price walk")
		basePrice = flag.Float64("base-price", 100.0, "Starting price of the walk")
		users     = flag.Int("users", 5, "Number of distinct users")
	)
	flag.Parse()

	logger, err := logging.NewLogger("tickgen", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	brokerList := msg.ParseBrokers(*brokers)
	logger.Info("starting tickgen",
		zap.Int64("seed", *seed),
		zap.String("symbol", *symbol),
		zap.Int("orders", *orders),
		zap.Int("ticks", *ticks),
		zap.Strings("brokers", brokerList),
	)

	producer, err := msg.NewProducer(brokerList, logger)
	if err != nil {
		logger.Fatal("failed to create producer", zap.Error(err))
	}
	defer producer.Close()

	rng := rand.New(rand.NewSource(*seed))
	ctx := context.Background()

	produced := 0
	failed := 0

	// Seed the order lifecycle: every order is created then filled near
	// the base price, with stop-loss below and take-profit above, a third
	// of them trailing.
	for i := 0; i < *orders; i++ {
		userID := fmt.Sprintf("user-%d", rng.Intn(*users))
		orderID := fmt.Sprintf("ord-%d-%d", *seed, i)
		entry := *basePrice * (1 + (rng.Float64()-0.5)*0.02)

		created := msg.OrderEventMsg{
			EventID:      uuid.New().String(),
			Kind:         msg.OrderCreated,
			OrderID:      orderID,
			UserID:       userID,
			AccountID:    "acct-" + userID,
			Symbol:       *symbol,
			Side:         "LONG",
			Quantity:     float64(1 + rng.Intn(10)),
			StopLoss:     entry * 0.95,
			TakeProfit:   entry * 1.10,
			Trailing:     i%3 == 0,
			TsUnixMillis: time.Now().UnixMilli(),
		}
		filled := msg.OrderEventMsg{
			EventID:      uuid.New().String(),
			Kind:         msg.OrderFilled,
			OrderID:      orderID,
			UserID:       userID,
			Symbol:       *symbol,
			FillPrice:    entry,
			TsUnixMillis: time.Now().UnixMilli(),
		}

		for _, ev := range []msg.OrderEventMsg{created, filled} {
			if err := producer.ProduceJSON(ctx, msg.TopicOrderLifecycle, ev.UserID, ev); err != nil {
				logger.Error("failed to produce order event",
					zap.String("order_id", orderID),
					zap.Error(err),
				)
				failed++
				continue
			}
			produced++
		}
	}

	// Random walk of ticks
	price := *basePrice
	for i := 0; i < *ticks; i++ {
		price *= 1 + (rng.Float64()-0.5)*0.01
		tick := msg.TickMsg{
			Exchange:     "binance",
			Symbol:       *symbol,
			Price:        price,
			TsUnixMillis: time.Now().UnixMilli(),
		}
		if err := producer.ProduceJSON(ctx, msg.TopicMarketTicks, tick.Symbol, tick); err != nil {
			logger.Error("failed to produce tick", zap.Error(err))
			failed++
			continue
		}
		produced++
	}

	logger.Info("tickgen completed",
		zap.Int("produced", produced),
		zap.Int("failed", failed),
	)

	fmt.Printf("\n=== Tickgen Summary ===\n")
	fmt.Printf("Orders: %d\n", *orders)
	fmt.Printf("Ticks: %d\n", *ticks)
	fmt.Printf("Produced: %d\n", produced)
	fmt.Printf("Failed: %d\n", failed)
	fmt.Printf("\n")

	if failed > 0 {
		os.Exit(1)
	}
}
