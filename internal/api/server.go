// Package api exposes the OpenAI-compatible HTTP surface of the Warp bridge:
// chat completions backed by the upstream agent stream, plus a small set of
// management endpoints for quota, accounts and forced refresh.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/warp-compat/warp-bridge/internal/auth/warp"
	"github.com/warp-compat/warp-bridge/internal/config"
	"github.com/warp-compat/warp-bridge/internal/logging"
	"github.com/warp-compat/warp-bridge/internal/util"
)

// shutdownTimeout bounds the graceful drain on exit.
const shutdownTimeout = 5 * time.Second

// Server is the HTTP front of the bridge. It owns the gin engine and the
// upstream HTTP client used for agent requests.
type Server struct {
	cfg    *config.Config
	auth   *warp.Service
	engine *gin.Engine

	// upstreamClient carries no total timeout: agent streams are long-lived
	// and are bounded by the request context instead.
	upstreamClient *http.Client
}

// NewServer builds the engine, middleware and routes.
func NewServer(cfg *config.Config, auth *warp.Service) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	s := &Server{
		cfg:            cfg,
		auth:           auth,
		engine:         engine,
		upstreamClient: util.SetProxy(cfg, &http.Client{}),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/v1/models", s.handleModels)
	s.engine.POST("/v1/chat/completions", s.handleChatCompletions)

	s.engine.GET("/v1/quota", s.handleQuota)
	s.engine.GET("/v1/accounts", s.handleAccounts)
	s.engine.POST("/v1/refresh", s.handleRefresh)
}

// Run serves until ctx is canceled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
