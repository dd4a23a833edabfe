package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"binance-depth-gateway/config"
	"binance-depth-gateway/internal/binance"
	"binance-depth-gateway/internal/logging"
)

// DepthFetcher performs one upstream snapshot fetch (nil on any failure).
type DepthFetcher interface {
	FetchDepth(ctx context.Context, symbol string, limit int) *binance.DepthSnapshot
}

// SnapshotLoader reads snapshots from the secondary cache, if one is
// configured.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, symbol string) *binance.DepthSnapshot
	IsHealthy() bool
}

// UpstreamStatus exposes the upstream connection state for /health.
type UpstreamStatus interface {
	State() string
	ReconnectAttempts() int
}

// BookStatus exposes per-symbol sync states for /health.
type BookStatus interface {
	States() map[string]string
	ActiveSymbols() []string
}

// Server is the HTTP surface: the depth snapshot endpoint, the health
// endpoint, and the WS upgrade.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig
	log        zerolog.Logger

	cache    *binance.DepthCache
	tracker  *binance.RateTracker
	fetcher  DepthFetcher
	loader   SnapshotLoader // nil when Redis is disabled
	upstream UpstreamStatus
	books    BookStatus
	hub      *Hub

	startTime time.Time
}

// NewServer wires the router, middleware, and routes.
func NewServer(
	cfg config.ServerConfig,
	depthCache *binance.DepthCache,
	tracker *binance.RateTracker,
	fetcher DepthFetcher,
	loader SnapshotLoader,
	upstream UpstreamStatus,
	books BookStatus,
	hub *Hub,
) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if origins := cfg.AllowedOriginList(); origins != nil {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:    router,
		cfg:       cfg,
		log:       logging.Component("api"),
		cache:     depthCache,
		tracker:   tracker,
		fetcher:   fetcher,
		loader:    loader,
		upstream:  upstream,
		books:     books,
		hub:       hub,
		startTime: time.Now(),
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/api/depth/:symbol", s.handleDepth)
	s.router.GET("/ws", s.handleWS)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", addr).Msg("http server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
