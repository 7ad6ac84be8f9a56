package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/flowmesh/flowmesh/engine/execution"
	"github.com/flowmesh/flowmesh/engine/node"
	"github.com/flowmesh/flowmesh/engine/queue"
	"github.com/flowmesh/flowmesh/engine/store"
	"github.com/flowmesh/flowmesh/engine/stream"
	"github.com/flowmesh/flowmesh/engine/workflow"
	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

// Dependencies are the collaborators the API surface exposes. Redis is
// optional: without it, progress streams only cover runs executing in
// this process.
type Dependencies struct {
	Queue    queue.Service
	Repo     store.Repository
	Source   workflow.Source
	Registry *node.Registry
	Broker   *stream.Broker
	Redis    redis.UniversalClient
	Hub      *execution.CancelHub
}

// Server is the HTTP front door: run submission, execution inspection
// and live progress streams.
type Server struct {
	config config.ServerConfig
	deps   Dependencies
}

func New(cfg config.ServerConfig, deps Dependencies) *Server {
	return &Server{config: cfg, deps: deps}
}

// Run serves until the context is canceled, then drains in-flight
// requests before returning.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	log := logger.FromContext(ctx)
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.buildRouter(ctx),
		ReadHeaderTimeout: s.config.Timeout,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info("http server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		log.Info("http server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	}
}

// requestContext propagates the process logger into each request and
// logs the outcome.
func requestContext(base context.Context) gin.HandlerFunc {
	log := logger.FromContext(base)
	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(logger.ContextWithLogger(c.Request.Context(), log))
		c.Next()
		log.Debug("request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func respondError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}
