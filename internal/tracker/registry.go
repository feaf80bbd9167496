package tracker

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tickmux/exit-engine/internal/msg"
)

// Registry is the in-memory table of active order trackers. It is the
// sole writer of tracker lifecycle state: all mutation happens in response
// to order lifecycle events, never from price ticks. The trigger
// transitions (Arm/Abort/Complete) are reserved for the evaluator's
// partition worker that owns the tracker's symbol.
type Registry struct {
	logger            *zap.Logger
	defaultTrailRatio float64

	mu       sync.RWMutex
	byOrder  map[string]*OrderTracker
	bySymbol map[string]map[string]*OrderTracker

	anomalies int64
	live      atomic.Bool
}

// NewRegistry creates an empty registry. defaultTrailRatio sets the
// trailing offset as a fraction of entry price for orders that enable
// trailing without an explicit offset.
func NewRegistry(defaultTrailRatio float64, logger *zap.Logger) *Registry {
	return &Registry{
		logger:            logger,
		defaultTrailRatio: defaultTrailRatio,
		byOrder:           make(map[string]*OrderTracker),
		bySymbol:          make(map[string]map[string]*OrderTracker),
	}
}

// Apply applies one order lifecycle event. Replay and live consumption go
// through the same transition functions, so replaying the log from empty
// state reconstructs an identical registry.
func (r *Registry) Apply(ev msg.OrderEventMsg) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case msg.OrderCreated:
		r.applyCreated(ev)
	case msg.OrderFilled:
		r.applyFilled(ev)
	case msg.OrderCancelled, msg.PositionClosed:
		r.applyTerminal(ev)
	default:
		r.anomaly("unknown event kind", ev)
	}
}

func (r *Registry) applyCreated(ev msg.OrderEventMsg) {
	if ev.OrderID == "" || ev.Symbol == "" {
		r.anomaly("created event missing order id or symbol", ev)
		return
	}
	if _, exists := r.byOrder[ev.OrderID]; exists {
		r.anomaly("duplicate created event", ev)
		return
	}

	side := Side(ev.Side)
	if side != SideLong && side != SideShort {
		r.anomaly("created event with unknown side", ev)
		return
	}

	t := &OrderTracker{
		OrderID:         ev.OrderID,
		UserID:          ev.UserID,
		AccountID:       ev.AccountID,
		Symbol:          ev.Symbol,
		Side:            side,
		Quantity:        ev.Quantity,
		StopLoss:        ev.StopLoss,
		TakeProfit:      ev.TakeProfit,
		TrailingEnabled: ev.Trailing,
		TrailOffset:     ev.TrailOffset,
		State:           StatePendingFill,
	}
	r.insert(t)
}

func (r *Registry) applyFilled(ev msg.OrderEventMsg) {
	t, ok := r.byOrder[ev.OrderID]
	if !ok {
		// Fill for a never-created order: skipped, not fatal. Downstream
		// correctness degrades to a missing tracker.
		r.anomaly("fill for unknown order", ev)
		return
	}
	if t.State != StatePendingFill {
		r.anomaly("fill in unexpected state", ev)
		return
	}
	if ev.FillPrice <= 0 {
		r.anomaly("fill with non-positive price", ev)
		return
	}

	t.EntryPrice = ev.FillPrice
	t.HighWaterMark = ev.FillPrice
	if ev.Quantity > 0 {
		t.Quantity = ev.Quantity
	}
	if t.TrailingEnabled && t.TrailOffset <= 0 {
		t.TrailOffset = t.EntryPrice * r.defaultTrailRatio
	}
	t.State = StateActive
}

func (r *Registry) applyTerminal(ev msg.OrderEventMsg) {
	t, ok := r.byOrder[ev.OrderID]
	if !ok {
		r.anomaly("terminal event for unknown order", ev)
		return
	}
	r.remove(t)
}

// Snapshot returns copies of the trackers for a symbol, sorted by order id
// so evaluation order is deterministic. Callers never see live references.
func (r *Registry) Snapshot(symbol string) []OrderTracker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	group := r.bySymbol[symbol]
	if len(group) == 0 {
		return nil
	}
	out := make([]OrderTracker, 0, len(group))
	for _, t := range group {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// Dump returns copies of every tracker keyed by order id.
func (r *Registry) Dump() map[string]OrderTracker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]OrderTracker, len(r.byOrder))
	for id, t := range r.byOrder {
		out[id] = *t
	}
	return out
}

// ApplyTrail stores a tightened trailing state proposed by the evaluation
// worker owning the tracker's symbol. The stop only ever tightens; a
// proposal that would loosen it is ignored.
func (r *Registry) ApplyTrail(orderID string, highWaterMark, stopLoss float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byOrder[orderID]
	if !ok || t.State != StateActive || !t.TrailingEnabled {
		return false
	}

	switch t.Side {
	case SideLong:
		if highWaterMark < t.HighWaterMark || stopLoss < t.StopLoss {
			return false
		}
	case SideShort:
		if highWaterMark > t.HighWaterMark || (t.StopLoss > 0 && stopLoss > t.StopLoss) {
			return false
		}
	}

	t.HighWaterMark = highWaterMark
	t.StopLoss = stopLoss
	return true
}

// ArmTrigger moves ACTIVE -> TRIGGERED. Only the evaluation worker owning
// the symbol partition may call it; false means the tracker is gone or not
// in ACTIVE, and no exit may be emitted.
func (r *Registry) ArmTrigger(orderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byOrder[orderID]
	if !ok || t.State != StateActive {
		return false
	}
	t.State = StateTriggered
	return true
}

// AbortTrigger moves TRIGGERED -> ACTIVE after a failed acknowledgement,
// re-arming the same trigger. The next tick re-decides; the exit is
// reduce-only, so a re-trigger is acceptable.
func (r *Registry) AbortTrigger(orderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byOrder[orderID]
	if !ok || t.State != StateTriggered {
		return false
	}
	t.State = StateActive
	return true
}

// CompleteTrigger moves TRIGGERED -> CLOSED once the exit command is
// acknowledged and removes the tracker.
func (r *Registry) CompleteTrigger(orderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byOrder[orderID]
	if !ok || t.State != StateTriggered {
		return false
	}
	t.State = StateClosed
	r.remove(t)
	return true
}

// Replay drains the order lifecycle log until a poll window comes back
// empty, applying every event. It must complete before live traffic is
// accepted; a replay failure is a fatal configuration error.
func (r *Registry) Replay(ctx context.Context, reader *msg.LogReader, window time.Duration) (int, error) {
	applied := 0
	for {
		records, err := reader.Poll(ctx, window)
		if err != nil {
			return applied, err
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			ev, err := msg.DecodeOrderEvent(rec.Value)
			if err != nil {
				atomic.AddInt64(&r.anomalies, 1)
				r.logger.Warn("skipping undecodable order event during replay",
					zap.Int64("offset", rec.Offset),
					zap.Error(err),
				)
				continue
			}
			r.Apply(ev)
			applied++
		}
	}

	r.live.Store(true)
	r.logger.Info("registry replay complete",
		zap.Int("events_applied", applied),
		zap.Int("trackers", r.Len()),
		zap.Int64("anomalies", atomic.LoadInt64(&r.anomalies)),
	)
	return applied, nil
}

// Live reports whether startup replay has completed.
func (r *Registry) Live() bool {
	return r.live.Load()
}

// Len returns the number of tracked orders.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byOrder)
}

// Anomalies returns the count of skipped inconsistent events.
func (r *Registry) Anomalies() int64 {
	return atomic.LoadInt64(&r.anomalies)
}

func (r *Registry) insert(t *OrderTracker) {
	r.byOrder[t.OrderID] = t
	group, ok := r.bySymbol[t.Symbol]
	if !ok {
		group = make(map[string]*OrderTracker)
		r.bySymbol[t.Symbol] = group
	}
	group[t.OrderID] = t
}

func (r *Registry) remove(t *OrderTracker) {
	delete(r.byOrder, t.OrderID)
	if group, ok := r.bySymbol[t.Symbol]; ok {
		delete(group, t.OrderID)
		if len(group) == 0 {
			delete(r.bySymbol, t.Symbol)
		}
	}
}

func (r *Registry) anomaly(reason string, ev msg.OrderEventMsg) {
	atomic.AddInt64(&r.anomalies, 1)
	r.logger.Warn("order event anomaly, skipping",
		zap.String("reason", reason),
		zap.String("kind", ev.Kind),
		zap.String("order_id", ev.OrderID),
		zap.String("symbol", ev.Symbol),
	)
}
