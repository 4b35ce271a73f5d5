// Package postgres is the authoritative backend over a pgx pool. Claim
// changes are announced with NOTIFY inside the claim transaction and fed
// to the in-process hub by a LISTEN connection.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ldi/claimdeck/internal/config"
	"github.com/ldi/claimdeck/internal/feed"
	"github.com/ldi/claimdeck/pkg/models"
)

const (
	DefaultPageSize = 1000
	notifyChannel   = "claim_changes"
)

type Store struct {
	pool      *pgxpool.Pool
	hub       *feed.Hub
	logger    zerolog.Logger
	maxActive int
	pageSize  int

	listenOnce sync.Once
	stop       context.CancelFunc
	done       chan struct{}
}

// ConnString builds a postgres URL from cfg.
func ConnString(cfg config.PostgresConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     cfg.Database,
		RawQuery: "sslmode=" + url.QueryEscape(cfg.SSLMode),
	}
	return u.String()
}

// Connect opens the pool and pings it within cfg.PingTimeout.
func Connect(ctx context.Context, cfg config.PostgresConfig, logger zerolog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(ConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Msg("connected to postgres")
	return New(pool, logger), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{
		pool:      pool,
		hub:       feed.NewHub(),
		logger:    logger.With().Str("component", "postgres").Logger(),
		maxActive: models.DefaultMaxActiveClaims,
		pageSize:  DefaultPageSize,
		done:      make(chan struct{}),
	}
}

func (s *Store) SetMaxActiveClaims(n int) {
	if n > 0 {
		s.maxActive = n
	}
}

func (s *Store) SetPageSize(n int) {
	if n > 0 {
		s.pageSize = n
	}
}

func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Subscribe starts the LISTEN loop on first use and registers a hub
// subscriber.
func (s *Store) Subscribe(ctx context.Context) (<-chan models.ChangeEvent, func(), error) {
	var err error
	s.listenOnce.Do(func() {
		err = s.startListener()
	})
	if err != nil {
		return nil, nil, models.Wrap(models.ErrNetwork, "", err)
	}
	return s.hub.Subscribe(ctx)
}

// Close stops the listener, disconnects subscribers and closes the pool.
func (s *Store) Close() error {
	s.listenOnce.Do(func() { close(s.done) })
	if s.stop != nil {
		s.stop()
		<-s.done
	}
	s.hub.Close()
	s.pool.Close()
	return nil
}

// mapError turns driver failures into the shared error taxonomy.
func mapError(err error, taskID string) error {
	if err == nil {
		return nil
	}
	var ce *models.ClaimError
	if errors.As(err, &ce) {
		return err
	}
	if isUniqueViolation(err) {
		return models.NewError(models.ErrAlreadyClaimed, taskID, "task already claimed")
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return models.Wrap(models.ErrNetwork, taskID, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return models.Wrap(models.ErrNetwork, taskID, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func utcNow() time.Time {
	return time.Now().UTC()
}
