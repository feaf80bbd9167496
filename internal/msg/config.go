package msg

import (
	"strings"
)

// Topic names. market.ticks is keyed by symbol; the order topics are keyed
// by userId, so per-user event order is preserved within a partition.
const (
	TopicMarketTicks    = "market.ticks"
	TopicOrderLifecycle = "order.lifecycle"
	TopicExitCommands   = "order.exit.commands"
)

// ParseBrokers splits a comma-separated broker list and trims whitespace.
func ParseBrokers(brokersStr string) []string {
	parts := strings.Split(brokersStr, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}
