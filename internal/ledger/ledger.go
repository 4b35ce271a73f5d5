// Package ledger mirrors the active user's claims. The mirror answers the
// fast local guards; the ledger service stays authoritative.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ldi/claimdeck/internal/backend"
	"github.com/ldi/claimdeck/internal/clock"
	"github.com/ldi/claimdeck/internal/localcache"
	"github.com/ldi/claimdeck/pkg/models"
)

type Options struct {
	MaxActive int
	// TTL is how long a synced ledger counts as fresh for capacity checks.
	TTL           time.Duration
	SchemaVersion int
}

func DefaultOptions() Options {
	return Options{
		MaxActive:     models.DefaultMaxActiveClaims,
		TTL:           time.Minute,
		SchemaVersion: 1,
	}
}

type Ledger struct {
	service backend.LedgerService
	cache   localcache.Store
	clock   clock.Clock
	logger  zerolog.Logger
	opts    Options
	group   singleflight.Group

	mu       sync.RWMutex
	userID   string
	claims   map[string]models.Claim
	syncedAt time.Time
	// generation changes on every rebind so an in-flight sync for a
	// previous user can be discarded.
	generation uint64
}

func New(service backend.LedgerService, cache localcache.Store, clk clock.Clock, logger zerolog.Logger, opts Options) *Ledger {
	if opts.MaxActive <= 0 {
		opts.MaxActive = models.DefaultMaxActiveClaims
	}
	if cache == nil {
		cache = localcache.NewMemStore()
	}
	return &Ledger{
		service: service,
		cache:   cache,
		clock:   clk,
		logger:  logger.With().Str("component", "ledger").Logger(),
		opts:    opts,
		claims:  make(map[string]models.Claim),
	}
}

func (l *Ledger) MaxActive() int {
	return l.opts.MaxActive
}

func namespace(userID string) string {
	return "ledger:" + userID
}

// UserID returns the user the ledger is bound to.
func (l *Ledger) UserID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.userID
}

// Reset rebinds the ledger to another user and drops the mirror.
func (l *Ledger) Reset(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.userID = userID
	l.claims = make(map[string]models.Claim)
	l.syncedAt = time.Time{}
	l.generation++
}

// Bind rebinds to userID and loads its durable mirror, unless the ledger
// is already bound to that user.
func (l *Ledger) Bind(ctx context.Context, userID string) error {
	if l.UserID() == userID {
		return nil
	}
	l.Reset(userID)
	return l.Load(ctx)
}

// Load restores the durable mirror. The result is stale by definition and
// never marks the ledger fresh.
func (l *Ledger) Load(ctx context.Context) error {
	l.mu.RLock()
	userID, gen := l.userID, l.generation
	l.mu.RUnlock()
	if userID == "" {
		return nil
	}

	entry, ok, err := localcache.Load[[]models.Claim](ctx, l.cache, namespace(userID), l.opts.SchemaVersion)
	if errors.Is(err, models.ErrCacheCorrupt) {
		l.logger.Warn().Err(err).Str("user_id", userID).Msg("discarding corrupt ledger cache")
		return nil
	}
	if err != nil || !ok {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.generation != gen || !l.syncedAt.IsZero() {
		return nil
	}
	for _, c := range entry.Payload {
		l.claims[c.TaskID] = c
	}
	return nil
}

// Sync replaces the mirror with the authoritative claim list. Concurrent
// syncs share one fetch; a result for a user the ledger has since left is
// discarded.
func (l *Ledger) Sync(ctx context.Context) error {
	l.mu.RLock()
	userID, gen := l.userID, l.generation
	l.mu.RUnlock()
	if userID == "" {
		return models.NewError(models.ErrNotAuthenticated, "", "no user bound")
	}

	v, err, _ := l.group.Do(userID, func() (any, error) {
		return l.service.FetchClaims(ctx, userID)
	})
	if err != nil {
		l.logger.Warn().Err(err).Str("user_id", userID).Msg("ledger sync failed")
		return err
	}
	fetched := v.([]models.Claim)

	l.mu.Lock()
	if l.generation != gen {
		l.mu.Unlock()
		l.logger.Debug().Str("user_id", userID).Msg("discarding ledger sync for previous user")
		return nil
	}
	l.claims = make(map[string]models.Claim, len(fetched))
	for _, c := range fetched {
		l.claims[c.TaskID] = c.Clone()
	}
	l.syncedAt = l.clock.Now()
	persisted := l.listLocked()
	l.mu.Unlock()

	l.logger.Debug().
		Str("user_id", userID).
		Int("claims", len(persisted)).
		Msg("synced ledger")
	l.persist(ctx, userID, persisted)
	return nil
}

func (l *Ledger) persist(ctx context.Context, userID string, claims []models.Claim) {
	err := localcache.Save(ctx, l.cache, namespace(userID), l.opts.SchemaVersion, l.clock.Now(), claims)
	if err != nil {
		l.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to persist ledger")
	}
}

// Save writes the current mirror to the durable store.
func (l *Ledger) Save(ctx context.Context) {
	l.mu.RLock()
	userID := l.userID
	claims := l.listLocked()
	l.mu.RUnlock()
	if userID != "" {
		l.persist(ctx, userID, claims)
	}
}

// Fresh reports whether the mirror was synced within the TTL.
func (l *Ledger) Fresh() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.freshLocked()
}

func (l *Ledger) freshLocked() bool {
	return !l.syncedAt.IsZero() && l.clock.Now().Sub(l.syncedAt) < l.opts.TTL
}

// Invalidate forces the next FreshActiveCount to resync.
func (l *Ledger) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.syncedAt = time.Time{}
}

// ListMine returns the claims ordered by status urgency, newest first
// within a status.
func (l *Ledger) ListMine() []models.Claim {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.listLocked()
}

func (l *Ledger) listLocked() []models.Claim {
	out := make([]models.Claim, 0, len(l.claims))
	for _, c := range l.claims {
		out = append(out, c.Clone())
	}
	SortClaims(out)
	return out
}

// SortClaims orders claims by status rank, then most recently claimed,
// then task id.
func SortClaims(claims []models.Claim) {
	sort.SliceStable(claims, func(i, j int) bool {
		a, b := claims[i], claims[j]
		if ra, rb := a.Status.Rank(), b.Status.Rank(); ra != rb {
			return ra < rb
		}
		if !a.ClaimedAt.Equal(b.ClaimedAt) {
			return a.ClaimedAt.After(b.ClaimedAt)
		}
		return a.TaskID < b.TaskID
	})
}

func (l *Ledger) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeLocked()
}

func (l *Ledger) activeLocked() int {
	n := 0
	for _, c := range l.claims {
		if c.Status.Active() {
			n++
		}
	}
	return n
}

// FreshActiveCount returns the active count from a fresh mirror, syncing
// first when needed. If the sync fails the local count is returned; the
// server enforces the limit regardless.
func (l *Ledger) FreshActiveCount(ctx context.Context) int {
	if !l.Fresh() {
		if err := l.Sync(ctx); err != nil {
			l.logger.Debug().Err(err).Msg("using stale active count")
		}
	}
	return l.ActiveCount()
}

// CheckCapacity fails with ErrCapacityExceeded when no active slot is free.
func (l *Ledger) CheckCapacity(ctx context.Context, taskID string) error {
	if n := l.FreshActiveCount(ctx); n >= l.opts.MaxActive {
		return models.NewError(models.ErrCapacityExceeded, taskID, "%d of %d active claims in use", n, l.opts.MaxActive)
	}
	return nil
}

func (l *Ledger) Get(taskID string) (models.Claim, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.claims[taskID]
	if !ok {
		return models.Claim{}, false
	}
	return c.Clone(), true
}

// Put inserts or replaces a claim in the mirror.
func (l *Ledger) Put(c models.Claim) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.claims[c.TaskID] = c.Clone()
}

func (l *Ledger) Remove(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claims, taskID)
}

// Holds reports whether the user holds a claim on taskID. A mirrored claim
// is confirmed against the service first; when the service is unreachable
// the mirror answers.
func (l *Ledger) Holds(ctx context.Context, taskID string) bool {
	if _, ok := l.Get(taskID); !ok {
		return false
	}
	l.trySync(ctx, taskID)
	_, ok := l.Get(taskID)
	return ok
}

// Plan validates action against the claim and returns the edge to take.
// The mirror is synced first when it lacks the claim or is stale, and once
// more before a rejection is returned, since status changes made on another
// device publish no change event. Reopening checks capacity against a fresh
// count.
func (l *Ledger) Plan(ctx context.Context, taskID string, action models.Action) (models.Transition, error) {
	synced := false
	if _, ok := l.Get(taskID); !ok || !l.Fresh() {
		synced = l.trySync(ctx, taskID)
	}

	tr, err := l.plan(ctx, taskID, action)
	if err == nil || synced || !errors.Is(err, models.ErrInvalidTransition) {
		return tr, err
	}
	if !l.trySync(ctx, taskID) {
		return tr, err
	}
	return l.plan(ctx, taskID, action)
}

func (l *Ledger) trySync(ctx context.Context, taskID string) bool {
	if err := l.Sync(ctx); err != nil {
		l.logger.Debug().Err(err).Str("task_id", taskID).Msg("planning against cached claims")
		return false
	}
	return true
}

func (l *Ledger) plan(ctx context.Context, taskID string, action models.Action) (models.Transition, error) {
	c, ok := l.Get(taskID)
	if !ok {
		return models.Transition{}, &models.ClaimError{
			Kind:   models.ErrInvalidTransition,
			TaskID: taskID,
			Msg:    "no claim held on task",
			Err:    models.ErrClaimNotFound,
		}
	}

	tr, ok := models.LookupTransition(c.Status, action)
	if !ok {
		return models.Transition{}, models.NewError(models.ErrInvalidTransition, taskID, "cannot %s a %s claim", action, c.Status)
	}

	if tr.Reactivates {
		if err := l.CheckCapacity(ctx, taskID); err != nil {
			return models.Transition{}, err
		}
	}
	return tr, nil
}
