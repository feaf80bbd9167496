package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/tickmux/exit-engine/internal/logging"
	"github.com/tickmux/exit-engine/internal/msg"
)

// Consumes order.exit.commands for a bounded duration and fails if any
// order id received more than one exit command.
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <duration_seconds> [brokers]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Example: %s 30 127.0.0.1:9092\n", os.Args[0])
		os.Exit(1)
	}

	var durationSeconds int
	if _, err := fmt.Sscanf(os.Args[1], "%d", &durationSeconds); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid duration: %v\n", err)
		os.Exit(1)
	}

	brokers := "127.0.0.1:9092"
	if len(os.Args) >= 3 {
		brokers = os.Args[2]
	}

	logger, err := logging.NewLogger("verifier", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	brokerList := msg.ParseBrokers(brokers)
	logger.Info("starting verifier",
		zap.Int("duration_seconds", durationSeconds),
		zap.Strings("brokers", brokerList),
	)

	consumer, err := msg.NewConsumer(brokerList, "verifier-v1", []string{msg.TopicExitCommands}, logger)
	if err != nil {
		logger.Fatal("failed to create consumer", zap.Error(err))
	}
	defer consumer.Close()

	exitCounts := make(map[string]int)
	reasons := make(map[string]string)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(durationSeconds)*time.Second)
	defer cancel()

	err = consumer.Run(ctx, func(ctx context.Context, rec msg.Record) error {
		var cmd msg.ExitCmdMsg
		if err := json.Unmarshal(rec.Value, &cmd); err != nil {
			logger.Warn("failed to unmarshal exit command", zap.Error(err))
			return nil
		}

		exitCounts[cmd.OrderID]++
		if _, exists := reasons[cmd.OrderID]; !exists {
			reasons[cmd.OrderID] = cmd.TriggerReason
		}

		logger.Debug("consumed exit command",
			zap.String("order_id", cmd.OrderID),
			zap.String("reason", cmd.TriggerReason),
			zap.Float64("trigger_price", cmd.TriggerPrice),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
		)

		return nil
	})

	if err != nil && err != context.DeadlineExceeded {
		logger.Error("consumer error", zap.Error(err))
	}

	total := 0
	duplicates := make(map[string]int)
	for orderID, count := range exitCounts {
		total += count
		if count > 1 {
			duplicates[orderID] = count
		}
	}

	fmt.Println("\n=== Verification Results ===")
	fmt.Printf("Total exit commands: %d\n", total)
	fmt.Printf("Unique order IDs: %d\n", len(exitCounts))
	fmt.Printf("Order IDs with duplicates: %d\n", len(duplicates))

	if len(duplicates) > 0 {
		fmt.Println("\nDuplicates found:")
		for orderID, count := range duplicates {
			fmt.Printf("  Order ID: %s, Count: %d, Reason: %s\n", orderID, count, reasons[orderID])
		}
		fmt.Println("\nVERIFICATION FAILED: duplicate exits detected")
		os.Exit(1)
	}

	fmt.Println("\nVERIFICATION PASSED: at most one exit per order")
	os.Exit(0)
}
