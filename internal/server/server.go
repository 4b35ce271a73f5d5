// Package server exposes a backend over HTTP. Reads are public; claim
// routes need a bearer token whose subject is the acting user.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ldi/claimdeck/internal/backend"
)

type Options struct {
	PreviewPerType   int
	SearchMaxResults int
	// MaxPageSize caps page_size on type listings.
	MaxPageSize int
}

func DefaultOptions() Options {
	return Options{
		PreviewPerType:   15,
		SearchMaxResults: 100,
		MaxPageSize:      1000,
	}
}

type Server struct {
	backend    backend.Backend
	signingKey []byte
	logger     zerolog.Logger
	opts       Options

	mu     sync.Mutex
	server *http.Server
	closed bool
}

func NewServer(b backend.Backend, signingKey []byte, logger zerolog.Logger, opts Options) *Server {
	def := DefaultOptions()
	if opts.PreviewPerType <= 0 {
		opts.PreviewPerType = def.PreviewPerType
	}
	if opts.SearchMaxResults <= 0 {
		opts.SearchMaxResults = def.SearchMaxResults
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = def.MaxPageSize
	}
	return &Server{
		backend:    b,
		signingKey: signingKey,
		logger:     logger.With().Str("component", "http").Logger(),
		opts:       opts,
	}
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	s.registerRoutes(router)
	return router
}

func (s *Server) registerRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")

	api.GET("/preview", s.handlePreview)
	api.GET("/counts", s.handleCounts)
	api.GET("/types/:type/tasks", s.handleTypeTasks)
	api.GET("/tasks/:id", s.handleTask)
	api.GET("/search", s.handleSearch)
	api.GET("/feed", s.handleFeed)

	claims := api.Group("/claims", s.authMiddleware)
	claims.GET("", s.handleListClaims)
	claims.POST("/:task_id", s.handleInsertClaim)
	claims.DELETE("/:task_id", s.handleDeleteClaim)
	claims.PATCH("/:task_id", s.handleUpdateClaim)
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", addr).Msg("setting up http server")
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.closed = true
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info().Msg("shutting down http server")
	return srv.Shutdown(ctx)
}
