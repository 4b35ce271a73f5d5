// Package reconcile applies the global claim change feed to a session's
// caches.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ldi/claimdeck/internal/backend"
	"github.com/ldi/claimdeck/internal/catalog"
	"github.com/ldi/claimdeck/internal/clock"
	"github.com/ldi/claimdeck/internal/ledger"
	"github.com/ldi/claimdeck/pkg/models"
)

const DefaultDebounce = 500 * time.Millisecond

var ErrStarted = errors.New("reconcile channel already started")

// Channel consumes change events in arrival order. Every event patches
// the catalog claim flag; events about the session's own user also
// schedule a debounced ledger sync.
type Channel struct {
	feed     backend.ChangeFeed
	catalog  *catalog.Store
	ledger   *ledger.Ledger
	clock    clock.Clock
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  func()
	timer   *clock.Timer
	done    chan struct{}
	started bool
	closed  bool
	applied int
}

func New(feed backend.ChangeFeed, cat *catalog.Store, led *ledger.Ledger, clk clock.Clock, logger zerolog.Logger, debounce time.Duration) *Channel {
	if debounce < 0 {
		debounce = 0
	}
	return &Channel{
		feed:     feed,
		catalog:  cat,
		ledger:   led,
		clock:    clk,
		logger:   logger.With().Str("component", "reconcile").Logger(),
		debounce: debounce,
		done:     make(chan struct{}),
	}
}

// Start subscribes to the feed and applies events on a single goroutine
// until the feed closes, ctx ends or Close is called.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return ErrStarted
	}
	c.started = true
	c.ctx = context.WithoutCancel(ctx)
	c.mu.Unlock()

	events, cancel, err := c.feed.Subscribe(ctx)
	if err != nil {
		close(c.done)
		return models.Wrap(models.ErrNetwork, "", err)
	}

	c.mu.Lock()
	closed := c.closed
	c.cancel = cancel
	c.mu.Unlock()
	if closed {
		cancel()
	}

	go c.run(events)
	return nil
}

func (c *Channel) run(events <-chan models.ChangeEvent) {
	defer close(c.done)
	for ev := range events {
		c.Apply(ev)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		// Not retried; the next catalog refresh or ledger sync heals
		// anything missed.
		c.logger.Warn().Msg("change feed disconnected")
	}
}

// Apply patches the catalog for one event. Replayed and duplicate events
// are harmless.
func (c *Channel) Apply(ev models.ChangeEvent) {
	switch ev.Op {
	case models.ChangeInsert, models.ChangeDelete:
	default:
		c.logger.Debug().Str("op", string(ev.Op)).Msg("ignoring unknown change op")
		return
	}

	changed := c.catalog.SetClaimed(ev.TaskID, ev.Claimed())
	c.mu.Lock()
	c.applied++
	c.mu.Unlock()

	c.logger.Trace().
		Str("op", string(ev.Op)).
		Str("task_id", ev.TaskID).
		Bool("changed", changed).
		Msg("applied change event")

	if ev.UserID != "" && ev.UserID == c.ledger.UserID() {
		c.scheduleSync()
	}
}

// scheduleSync coalesces bursts of own-user events into one ledger sync
// that runs debounce after the last of them.
func (c *Channel) scheduleSync() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Unlock()

	timer := c.clock.AfterFunc(c.debounce, func() { c.sync(ctx) })

	c.mu.Lock()
	c.timer = timer
	c.mu.Unlock()
}

func (c *Channel) sync(ctx context.Context) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if err := c.ledger.Sync(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("debounced ledger sync failed")
	}
}

// Applied returns the number of events applied so far.
func (c *Channel) Applied() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

// Done is closed once the event loop exits.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close unsubscribes, stops any pending sync and waits for the event loop.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	started := c.started
	cancel := c.cancel
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-c.done
	}
}
