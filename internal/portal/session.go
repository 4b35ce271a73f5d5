// Package portal wires the catalog, ledger, mutation engine, reconcile
// channel and gallery into one explicit per-session object.
package portal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ldi/claimdeck/internal/backend"
	"github.com/ldi/claimdeck/internal/catalog"
	"github.com/ldi/claimdeck/internal/clock"
	"github.com/ldi/claimdeck/internal/gallery"
	"github.com/ldi/claimdeck/internal/identity"
	"github.com/ldi/claimdeck/internal/ledger"
	"github.com/ldi/claimdeck/internal/localcache"
	"github.com/ldi/claimdeck/internal/mutation"
	"github.com/ldi/claimdeck/internal/reconcile"
	"github.com/ldi/claimdeck/pkg/models"
)

type Deps struct {
	Backend  backend.Backend
	Identity identity.Provider
	// Cache defaults to an in-memory store.
	Cache  localcache.Store
	Clock  clock.Clock
	Logger zerolog.Logger
}

type Options struct {
	Catalog  catalog.Options
	Ledger   ledger.Options
	Debounce time.Duration
	// NoFeed skips the change feed subscription, for one-shot commands.
	NoFeed bool
}

func DefaultOptions() Options {
	return Options{
		Catalog:  catalog.DefaultOptions(),
		Ledger:   ledger.DefaultOptions(),
		Debounce: reconcile.DefaultDebounce,
	}
}

type Session struct {
	backend  backend.Backend
	identity identity.Provider
	logger   zerolog.Logger

	catalog   *catalog.Store
	ledger    *ledger.Ledger
	mutations *mutation.Engine
	channel   *reconcile.Channel
	gallery   *gallery.Gallery
}

// Open builds a session, loads the durable caches and subscribes to the
// change feed. Cached data is served stale until the first refresh.
func Open(ctx context.Context, deps Deps, opts Options) (*Session, error) {
	if deps.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if deps.Identity == nil {
		deps.Identity = identity.NewStatic("")
	}
	if deps.Cache == nil {
		deps.Cache = localcache.NewMemStore()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	s := &Session{
		backend:  deps.Backend,
		identity: deps.Identity,
		logger:   deps.Logger.With().Str("component", "session").Logger(),
	}
	s.catalog = catalog.New(deps.Backend, deps.Cache, deps.Clock, deps.Logger, opts.Catalog)
	s.ledger = ledger.New(deps.Backend, deps.Cache, deps.Clock, deps.Logger, opts.Ledger)
	s.mutations = mutation.New(deps.Backend, deps.Backend, s.catalog, s.ledger, deps.Identity, deps.Clock, deps.Logger)
	s.channel = reconcile.New(deps.Backend, s.catalog, s.ledger, deps.Clock, deps.Logger, opts.Debounce)
	s.gallery = gallery.New(s.catalog)

	if err := s.catalog.Load(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to load catalog cache")
	}
	if userID, err := deps.Identity.UserID(); err == nil {
		if err := s.ledger.Bind(ctx, userID); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to load ledger cache")
		}
	}

	if !opts.NoFeed {
		if err := s.channel.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to subscribe to change feed: %w", err)
		}
	}
	return s, nil
}

// SwitchIdentity rebinds the ledger to whoever the identity provider now
// reports and syncs it. Signing out empties the ledger.
func (s *Session) SwitchIdentity(ctx context.Context) error {
	userID, err := s.identity.UserID()
	if errors.Is(err, models.ErrNotAuthenticated) {
		s.ledger.Reset("")
		s.logger.Info().Msg("signed out")
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.ledger.Bind(ctx, userID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to load ledger cache")
	}
	s.logger.Info().Str("user_id", userID).Msg("switched identity")
	return s.ledger.Sync(ctx)
}

// UserID returns the active user or ErrNotAuthenticated.
func (s *Session) UserID() (string, error) {
	return s.identity.UserID()
}

// Close stops the change feed. The backend is owned by the caller.
func (s *Session) Close() {
	s.channel.Close()
}

func (s *Session) Catalog() *catalog.Store { return s.catalog }
func (s *Session) Ledger() *ledger.Ledger { return s.ledger }
func (s *Session) Mutations() *mutation.Engine { return s.mutations }
func (s *Session) Channel() *reconcile.Channel { return s.channel }
func (s *Session) Gallery() *gallery.Gallery { return s.gallery }
func (s *Session) Backend() backend.Backend { return s.backend }
