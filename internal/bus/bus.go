// SPDX-License-Identifier: MIT

// Package bus is the agent's transport to the central control plane: a
// Redis pub/sub connection carrying JSON-framed command envelopes inbound
// and status/stats reports outbound, with automatic reconnect and a
// re-announce signal for the reporter to use after an outage.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaycast/agent/internal/util"
)

const (
	// PublishTimeout bounds how long Publish may block the caller
	// (spec.md §4.2 and §5: "bus publish 200 ms").
	PublishTimeout = 200 * time.Millisecond

	// reannounceAfterSuccesses is the number of consecutive successful
	// publishes after a reconnect that the bus treats as a sentinel for
	// "the control plane is back and caught up" (spec.md §4.2).
	reannounceAfterSuccesses = 5
)

// Config configures the Redis connection.
type Config struct {
	Addr             string // host:port
	Password         string
	HostID           string
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	BackoffFactor    float64
}

// channel names, fixed by spec.md §6.
const (
	ReportsChannel = "agent-reports"
	StatsChannel   = "vps-stats"
)

// CommandsChannel returns this host's inbound command channel name.
func CommandsChannel(hostID string) string {
	return fmt.Sprintf("vps-commands:%s", hostID)
}

// Client is a reconnecting Redis pub/sub client.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.RWMutex
	rdb       *redis.Client
	connected atomic.Bool

	consecutiveOK atomic.Int32
	reannounce    atomic.Bool

	subsMu sync.Mutex
	subs   map[string][]chan []byte
}

// NewClient creates a bus client. Call Connect to establish the first
// connection and start the reconnect-supervising goroutine; Connect makes a
// single attempt and returns its error if that attempt fails.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 60 * time.Second
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 2
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "bus").Logger(),
		subs:   make(map[string][]chan []byte),
	}
}

func (c *Client) newRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         c.cfg.Addr,
		Password:     c.cfg.Password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// Connect dials Redis once, then launches a background loop that
// reconnects with exponential backoff whenever the connection drops.
func (c *Client) Connect(ctx context.Context) error {
	rdb := c.newRedis()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("connect to bus at %s: %w", c.cfg.Addr, err)
	}

	c.mu.Lock()
	c.rdb = rdb
	c.mu.Unlock()
	c.connected.Store(true)

	c.logger.Info().Str("addr", c.cfg.Addr).Msg("bus connected")

	util.SafeGo("bus-supervise", nil, func() {
		c.supervise(ctx)
	}, func(rec interface{}, _ []byte) {
		c.logger.Error().Interface("panic", rec).Msg("recovered panic in bus supervise loop")
	})
	return nil
}

// Connected reports whether the bus currently believes it has a live
// connection (best-effort; a publish can still fail between health checks).
func (c *Client) Connected() bool { return c.connected.Load() }

// Close releases the Redis connection and all registered subscriptions.
func (c *Client) Close() error {
	c.mu.Lock()
	rdb := c.rdb
	c.rdb = nil
	c.mu.Unlock()

	c.subsMu.Lock()
	for _, chans := range c.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	c.subs = make(map[string][]chan []byte)
	c.subsMu.Unlock()

	if rdb == nil {
		return nil
	}
	return rdb.Close()
}

// Publish sends payload on channel, bounded to PublishTimeout. It returns
// the number of receivers if Redis reports one, else -1.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	c.mu.RLock()
	rdb := c.rdb
	c.mu.RUnlock()
	if rdb == nil {
		return -1, fmt.Errorf("publish to %s: bus not connected", channel)
	}

	pctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()

	n, err := rdb.Publish(pctx, channel, payload).Result()
	if err != nil {
		c.consecutiveOK.Store(0)
		return -1, fmt.Errorf("publish to %s: %w", channel, err)
	}

	ok := c.consecutiveOK.Add(1)
	if ok == reannounceAfterSuccesses {
		c.reannounce.Store(true)
	}
	return n, nil
}

// ConsumeReannounce reports whether a re-announce is pending and clears
// the flag; the reporter calls this once per heartbeat (spec.md §4.2,
// §4.7: "next heartbeat with a re_announce=true flag").
func (c *Client) ConsumeReannounce() bool {
	return c.reannounce.CompareAndSwap(true, false)
}

// Subscribe registers a channel for delivery; messages arrive on the
// returned channel until ctx is cancelled or Close is called. Subscribe may
// be called before the underlying connection exists or is reconnected —
// the supervising goroutine (re-)subscribes to every registered channel
// whenever it (re)connects.
func (c *Client) Subscribe(ctx context.Context, channel string) <-chan []byte {
	ch := make(chan []byte, 64)

	c.subsMu.Lock()
	c.subs[channel] = append(c.subs[channel], ch)
	c.subsMu.Unlock()

	c.mu.RLock()
	rdb := c.rdb
	c.mu.RUnlock()
	if rdb != nil {
		c.spawnPump(ctx, rdb, channel)
	}

	return ch
}

// spawnPump launches pumpChannel under util.SafeGo so a panic decoding or
// delivering one channel's messages cannot take down the whole process.
func (c *Client) spawnPump(ctx context.Context, rdb *redis.Client, channel string) {
	util.SafeGo("bus-pump-"+channel, nil, func() {
		c.pumpChannel(ctx, rdb, channel)
	}, func(rec interface{}, _ []byte) {
		c.logger.Error().Interface("panic", rec).Str("channel", channel).Msg("recovered panic in bus pump loop")
	})
}

func (c *Client) pumpChannel(ctx context.Context, rdb *redis.Client, channel string) {
	pubsub := rdb.Subscribe(ctx, channel)
	defer func() { _ = pubsub.Close() }()

	recv := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-recv:
			if !ok {
				return
			}
			c.deliver(channel, []byte(msg.Payload))
		}
	}
}

func (c *Client) deliver(channel string, payload []byte) {
	c.subsMu.Lock()
	targets := append([]chan []byte(nil), c.subs[channel]...)
	c.subsMu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- payload:
		default: // slow subscriber; drop rather than block the pump
		}
	}
}

// supervise keeps the connection alive, reconnecting with exponential
// backoff (base/cap/factor from cfg) whenever a health ping fails.
func (c *Client) supervise(ctx context.Context) {
	const pingInterval = 3 * time.Second
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	delay := c.cfg.BackoffBase

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			rdb := c.rdb
			c.mu.RUnlock()
			if rdb == nil {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := rdb.Ping(pctx).Err()
			cancel()
			if err == nil {
				c.connected.Store(true)
				delay = c.cfg.BackoffBase
				continue
			}

			c.connected.Store(false)
			c.consecutiveOK.Store(0)
			c.logger.Warn().Err(err).Msg("bus ping failed, reconnecting")

			if c.reconnect(ctx, delay) {
				c.resubscribeAll(ctx)
				delay = c.cfg.BackoffBase
			} else {
				delay = nextDelay(delay, c.cfg.BackoffFactor, c.cfg.BackoffCap)
			}
		}
	}
}

func (c *Client) reconnect(ctx context.Context, delay time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
	}

	newRdb := c.newRedis()
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := newRdb.Ping(pctx).Err(); err != nil {
		_ = newRdb.Close()
		c.logger.Warn().Err(err).Dur("next_delay", delay).Msg("bus reconnect failed")
		return false
	}

	c.mu.Lock()
	old := c.rdb
	c.rdb = newRdb
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	c.connected.Store(true)
	c.logger.Info().Msg("bus reconnected")
	return true
}

func (c *Client) resubscribeAll(ctx context.Context) {
	c.mu.RLock()
	rdb := c.rdb
	c.mu.RUnlock()
	if rdb == nil {
		return
	}

	c.subsMu.Lock()
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	c.subsMu.Unlock()

	for _, channel := range channels {
		c.spawnPump(ctx, rdb, channel)
	}
}

func nextDelay(cur time.Duration, factor float64, ceiling time.Duration) time.Duration {
	next := time.Duration(float64(cur) * factor)
	if next > ceiling {
		next = ceiling
	}
	if next <= 0 {
		next = ceiling
	}
	return next
}
