package app

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ldi/claimdeck/internal/backend"
	"github.com/ldi/claimdeck/internal/catalog"
	"github.com/ldi/claimdeck/internal/config"
	"github.com/ldi/claimdeck/internal/identity"
	"github.com/ldi/claimdeck/internal/ledger"
	"github.com/ldi/claimdeck/internal/localcache"
	"github.com/ldi/claimdeck/internal/portal"
)

// NewIdentity returns the token identity when a token is configured and
// the configured user otherwise.
func NewIdentity(cfg *config.Config) (identity.Provider, error) {
	if cfg.Client.Token != "" {
		return identity.FromToken(cfg.Client.Token)
	}
	return identity.NewStatic(cfg.Client.UserID), nil
}

// SessionOptions maps cfg onto the session components.
func SessionOptions(cfg *config.Config) portal.Options {
	opts := portal.DefaultOptions()
	opts.Catalog = catalog.Options{
		PreviewPerType:   cfg.Catalog.PreviewPerType,
		SearchMaxResults: cfg.Catalog.SearchMaxResults,
		TTL:              cfg.Cache.TTL,
		SchemaVersion:    cfg.Cache.SchemaVersion,
		Namespace:        catalog.DefaultOptions().Namespace,
	}
	opts.Ledger = ledger.Options{
		MaxActive:     cfg.Claims.MaxActive,
		TTL:           cfg.Cache.LedgerTTL,
		SchemaVersion: cfg.Cache.SchemaVersion,
	}
	opts.Debounce = cfg.Reconcile.Debounce
	return opts
}

// OpenSession opens a session over b with the durable cache in cfg.Cache.Dir.
func OpenSession(ctx context.Context, cfg *config.Config, b backend.Backend, logger zerolog.Logger, noFeed bool) (*portal.Session, error) {
	id, err := NewIdentity(cfg)
	if err != nil {
		return nil, err
	}

	var cache localcache.Store = localcache.NewMemStore()
	if cfg.Cache.Dir != "" {
		fs, err := localcache.NewFileStore(cfg.Cache.Dir)
		if err != nil {
			return nil, err
		}
		cache = fs
	}

	opts := SessionOptions(cfg)
	opts.NoFeed = noFeed
	return portal.Open(ctx, portal.Deps{
		Backend:  b,
		Identity: id,
		Cache:    cache,
		Logger:   logger,
	}, opts)
}
