// Package api is the operational HTTP surface: health, signal ingest for
// external detectors, position and risk inspection, manual close, and
// Prometheus metrics. It is the backend the dashboard and the detectors
// talk to, not the dashboard itself.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"scalping-engine/config"
	"scalping-engine/internal/kvstore"
	"scalping-engine/internal/metrics"
	"scalping-engine/internal/position"
	"scalping-engine/internal/queue"
	"scalping-engine/internal/risk"
	"scalping-engine/internal/signals"
	"scalping-engine/internal/store"
)

// Server hosts the REST API.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	repo        *store.Repository
	kv          *kvstore.Store
	authority   *risk.Authority
	validator   *signals.Validator
	queue       *queue.PriorityQueue
	manager     *position.Manager
	metrics     *metrics.Metrics
	jwt         *JWTManager
	authCfg     config.AuthConfig
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewServer wires the API over the engine components.
func NewServer(
	serverCfg config.ServerConfig,
	authCfg config.AuthConfig,
	repo *store.Repository,
	kv *kvstore.Store,
	authority *risk.Authority,
	validator *signals.Validator,
	q *queue.PriorityQueue,
	manager *position.Manager,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if serverCfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(serverCfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-API-Key"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		repo:        repo,
		kv:          kv,
		authority:   authority,
		validator:   validator,
		queue:       q,
		manager:     manager,
		metrics:     m,
		jwt:         NewJWTManager(authCfg.JWTSecret, authCfg.AccessTokenDuration),
		authCfg:     authCfg,
		rateLimiter: NewRateLimiter(120, time.Minute),
		logger:      logger.With().Str("component", "api").Logger(),
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", serverCfg.Host, serverCfg.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(serverCfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(serverCfg.WriteTimeout) * time.Second,
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	// External detectors post candidate signals here.
	s.router.POST("/api/signals",
		s.rateLimitMiddleware(), s.ingestKeyMiddleware(), s.handleIngestSignal)

	api := s.router.Group("/api", s.authMiddleware())
	{
		api.GET("/positions", s.handleOpenPositions)
		api.GET("/positions/history", s.handlePositionHistory)
		api.POST("/positions/:ticket/close", s.handleManualClose)
		api.GET("/risk/status", s.handleRiskStatus)
		api.GET("/signals", s.handleSignalLogs)
		api.GET("/queue", s.handleQueueDepths)
		api.GET("/drops/:symbol", s.handleDropHistory)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("api listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
