package muxer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tickmux/exit-engine/internal/feed"
	"github.com/tickmux/exit-engine/internal/msg"
)

// Publisher is the slice of msg.Producer the muxer needs.
type Publisher interface {
	ProduceJSON(ctx context.Context, topic string, key string, v any) error
}

// Options tunes connection lifecycle behaviour.
type Options struct {
	// UnsubscribeGrace delays closing a zero-refcount connection so a
	// rapid resubscribe does not thrash the venue.
	UnsubscribeGrace time.Duration

	// ReconnectBase and ReconnectCap bound the exponential backoff.
	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	// StalenessWindow is how long a connection may stay silent before the
	// watchdog treats it as lost. WatchdogInterval is the fixed check
	// cadence, independent of tick arrival.
	StalenessWindow  time.Duration
	WatchdogInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.UnsubscribeGrace <= 0 {
		o.UnsubscribeGrace = 5 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 2 * time.Second
	}
	if o.ReconnectCap <= 0 {
		o.ReconnectCap = 60 * time.Second
	}
	if o.StalenessWindow <= 0 {
		o.StalenessWindow = 60 * time.Second
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = 10 * time.Second
	}
}

// Muxer maintains a 1:1 mapping between subscription keys and upstream
// connections regardless of how many logical subscribers exist. Ticks are
// normalized and produced to the event log keyed by symbol; subscribers
// consume the log, never the muxer directly.
type Muxer struct {
	dialer   feed.Dialer
	producer Publisher
	logger   *zap.Logger
	opts     Options

	mu   sync.Mutex
	subs map[feed.Key]*subscription

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	tickCount int64
	dropCount int64
}

type subscription struct {
	key        feed.Key
	norm       feed.Normalizer
	members    map[string]struct{}
	cancel     context.CancelFunc
	done       chan struct{}
	graceTimer *time.Timer

	connMu  sync.Mutex
	conn    feed.Conn
	lastMsg atomic.Int64 // unix nano of last raw message
}

// New creates a muxer. Run must be called to start the watchdog and stats
// loops; subscriptions can be added before or after.
func New(dialer feed.Dialer, producer Publisher, opts Options, logger *zap.Logger) *Muxer {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Muxer{
		dialer:     dialer,
		producer:   producer,
		logger:     logger,
		opts:       opts,
		subs:       make(map[feed.Key]*subscription),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// Run blocks running the watchdog and stats loops until ctx is done.
func (m *Muxer) Run(ctx context.Context) error {
	watchdog := time.NewTicker(m.opts.WatchdogInterval)
	defer watchdog.Stop()
	stats := time.NewTicker(30 * time.Second)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.rootCtx.Done():
			return nil
		case <-watchdog.C:
			m.checkStale()
		case <-stats.C:
			keys, conns := m.Counts()
			m.logger.Info("muxer stats",
				zap.Int("keys", keys),
				zap.Int("open_connections", conns),
				zap.Int64("ticks_forwarded", atomic.LoadInt64(&m.tickCount)),
				zap.Int64("ticks_dropped", atomic.LoadInt64(&m.dropCount)),
			)
		}
	}
}

// Subscribe registers a subscriber for a key, opening the upstream
// connection on the 0 -> 1 transition. Subscribing twice with the same
// subscriberId is a no-op.
func (m *Muxer) Subscribe(exchange, symbol, subscriberID string) error {
	if subscriberID == "" {
		return fmt.Errorf("subscriber id cannot be empty")
	}
	key := feed.Key{Exchange: exchange, Symbol: symbol}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.subs[key]; ok {
		sub.members[subscriberID] = struct{}{}
		if sub.graceTimer != nil {
			// Resubscribe within the grace period keeps the connection
			sub.graceTimer.Stop()
			sub.graceTimer = nil
		}
		return nil
	}

	norm, err := feed.ForExchange(exchange)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(m.rootCtx)
	sub := &subscription{
		key:     key,
		norm:    norm,
		members: map[string]struct{}{subscriberID: {}},
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.subs[key] = sub

	m.wg.Add(1)
	go m.forward(ctx, sub)

	m.logger.Info("subscription opened",
		zap.String("key", key.String()),
		zap.String("subscriber", subscriberID),
	)
	return nil
}

// Unsubscribe removes a subscriber. On the 1 -> 0 transition the
// connection is closed after the grace period unless someone resubscribes.
func (m *Muxer) Unsubscribe(exchange, symbol, subscriberID string) error {
	key := feed.Key{Exchange: exchange, Symbol: symbol}

	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[key]
	if !ok {
		return fmt.Errorf("no subscription for %s", key)
	}
	if _, ok := sub.members[subscriberID]; !ok {
		return fmt.Errorf("subscriber %q not registered for %s", subscriberID, key)
	}

	delete(sub.members, subscriberID)
	if len(sub.members) > 0 {
		return nil
	}

	if sub.graceTimer != nil {
		sub.graceTimer.Stop()
	}
	sub.graceTimer = time.AfterFunc(m.opts.UnsubscribeGrace, func() {
		m.closeIfUnused(key)
	})

	m.logger.Info("subscription draining",
		zap.String("key", key.String()),
		zap.Duration("grace", m.opts.UnsubscribeGrace),
	)
	return nil
}

func (m *Muxer) closeIfUnused(key feed.Key) {
	m.mu.Lock()
	sub, ok := m.subs[key]
	if !ok || len(sub.members) > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.subs, key)
	m.mu.Unlock()

	sub.cancel()
	sub.closeConn()
	<-sub.done

	m.logger.Info("subscription closed", zap.String("key", key.String()))
}

// Refcount returns the subscriber count for a key.
func (m *Muxer) Refcount(exchange, symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[feed.Key{Exchange: exchange, Symbol: symbol}]
	if !ok {
		return 0
	}
	return len(sub.members)
}

// Counts returns the number of tracked keys and of currently open
// upstream connections.
func (m *Muxer) Counts() (keys, conns int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys = len(m.subs)
	for _, sub := range m.subs {
		sub.connMu.Lock()
		if sub.conn != nil {
			conns++
		}
		sub.connMu.Unlock()
	}
	return keys, conns
}

// DroppedTicks returns the count of raw messages that failed normalization.
func (m *Muxer) DroppedTicks() int64 {
	return atomic.LoadInt64(&m.dropCount)
}

// Close tears down all subscriptions and waits for forwarding tasks.
func (m *Muxer) Close() {
	m.rootCancel()

	m.mu.Lock()
	for key, sub := range m.subs {
		if sub.graceTimer != nil {
			sub.graceTimer.Stop()
		}
		sub.closeConn()
		delete(m.subs, key)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// forward is the per-key forwarding task: dial, read, normalize, produce,
// reconnect with backoff on loss. It exits when its context is canceled.
//
// Backoff applies to every reconnect attempt, whether the dial failed or
// an established connection was lost, and only resets once a connection
// has delivered at least one message. A venue that accepts the dial and
// immediately drops the connection escalates like a refused dial would.
func (m *Muxer) forward(ctx context.Context, sub *subscription) {
	defer m.wg.Done()
	defer close(sub.done)

	backoff := m.opts.ReconnectBase

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := m.dialer.Dial(ctx, sub.key)
		if err != nil {
			m.logger.Warn("feed dial failed",
				zap.String("key", sub.key.String()),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			if !m.sleepBackoff(ctx, &backoff) {
				return
			}
			continue
		}

		sub.setConn(conn)
		sub.lastMsg.Store(time.Now().UnixNano())
		m.logger.Info("feed connected", zap.String("key", sub.key.String()))

		healthy := m.readLoop(ctx, sub, conn)
		sub.setConn(nil)

		if ctx.Err() != nil {
			return
		}
		if healthy {
			backoff = m.opts.ReconnectBase
		}
		m.logger.Warn("feed connection lost, reconnecting",
			zap.String("key", sub.key.String()),
			zap.Duration("backoff", backoff),
		)
		if !m.sleepBackoff(ctx, &backoff) {
			return
		}
	}
}

// sleepBackoff waits out the current backoff and doubles it up to the cap.
// Returns false when the context ended during the wait.
func (m *Muxer) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*backoff):
	}
	*backoff *= 2
	if *backoff > m.opts.ReconnectCap {
		*backoff = m.opts.ReconnectCap
	}
	return true
}

// readLoop reads until the connection fails. It reports whether the
// connection delivered at least one message, which is what lets forward
// reset its reconnect backoff.
func (m *Muxer) readLoop(ctx context.Context, sub *subscription, conn feed.Conn) bool {
	defer conn.Close()
	healthy := false

	for {
		if ctx.Err() != nil {
			return healthy
		}

		payload, err := conn.ReadRaw()
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("feed read failed",
					zap.String("key", sub.key.String()),
					zap.Error(err),
				)
			}
			return healthy
		}

		healthy = true
		sub.lastMsg.Store(time.Now().UnixNano())

		tick, err := sub.norm.Normalize(payload)
		if err != nil {
			if errors.Is(err, feed.ErrNotTick) {
				continue
			}
			// Malformed upstream message: dropped and counted, never
			// forwarded, never fatal.
			atomic.AddInt64(&m.dropCount, 1)
			m.logger.Debug("dropped malformed tick",
				zap.String("key", sub.key.String()),
				zap.Error(err),
			)
			continue
		}

		if err := m.producer.ProduceJSON(ctx, msg.TopicMarketTicks, tick.Symbol, tick); err != nil {
			m.logger.Error("failed to produce tick",
				zap.String("key", sub.key.String()),
				zap.Error(err),
			)
			continue
		}
		atomic.AddInt64(&m.tickCount, 1)
	}
}

// checkStale force-closes connections that have been silent past the
// staleness window; the forwarding task then reconnects.
func (m *Muxer) checkStale() {
	cutoff := time.Now().Add(-m.opts.StalenessWindow).UnixNano()

	m.mu.Lock()
	stale := make([]*subscription, 0)
	for _, sub := range m.subs {
		sub.connMu.Lock()
		open := sub.conn != nil
		sub.connMu.Unlock()
		if open && sub.lastMsg.Load() < cutoff {
			stale = append(stale, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range stale {
		m.logger.Warn("stale feed connection, forcing reconnect",
			zap.String("key", sub.key.String()),
			zap.Duration("staleness_window", m.opts.StalenessWindow),
		)
		sub.closeConn()
	}
}

func (s *subscription) setConn(c feed.Conn) {
	s.connMu.Lock()
	s.conn = c
	s.connMu.Unlock()
}

func (s *subscription) closeConn() {
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()
}
