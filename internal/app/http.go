package app

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ldi/claimdeck/internal/backend"
	"github.com/ldi/claimdeck/internal/config"
	"github.com/ldi/claimdeck/internal/server"
)

// NewServer builds the HTTP server for b. Serving needs a signing key.
func NewServer(cfg *config.Config, b backend.Backend, logger zerolog.Logger) (*server.Server, error) {
	if cfg.Auth.SigningKey == "" {
		return nil, errors.New("JWT_SIGNING_KEY is required to serve")
	}
	if cfg.Env != config.EnvLocal {
		gin.SetMode(gin.ReleaseMode)
	}
	return server.NewServer(b, []byte(cfg.Auth.SigningKey), logger, server.Options{
		PreviewPerType:   cfg.Catalog.PreviewPerType,
		SearchMaxResults: cfg.Catalog.SearchMaxResults,
		MaxPageSize:      cfg.Catalog.PageSize,
	}), nil
}

// ListenAndServe serves until SIGINT, SIGTERM or ctx cancellation and then
// shuts down within the configured timeout.
func ListenAndServe(ctx context.Context, cfg *config.Config, srv *server.Server, logger zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port))
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown http server")
		return err
	}
	logger.Info().Msg("shut down http server")
	return <-errCh
}
