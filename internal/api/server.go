package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/starrelay-project/starrelay/internal/config"
	"github.com/starrelay-project/starrelay/internal/events"
	"github.com/starrelay-project/starrelay/internal/handlers"
	"github.com/starrelay-project/starrelay/internal/network"
	"github.com/starrelay-project/starrelay/internal/util"
)

// Version is reported by the public endpoints.
const Version = "1.0.0"

// Deps are the runtime components the API exposes.
type Deps struct {
	Sessions  *network.Manager
	Moderator *handlers.Moderator
	EventBus  *events.EventBus
	// Metrics serves /metrics. Nil leaves the route unregistered.
	Metrics http.Handler
	// DiskPath selects the volume reported by /api/system.
	DiskPath string
}

// Server is the admin REST API.
type Server struct {
	cfg       *config.Config
	deps      Deps
	startedAt time.Time

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server and builds its router.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		startedAt: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetAPI()
	addr := ":" + strconv.Itoa(apiCfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if apiCfg.TLSEnabled {
		cert, err := util.LoadOrCreateCertificate(apiCfg.CertFile, apiCfg.KeyFile)
		if err != nil {
			return fmt.Errorf("API TLS setup failed: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	// SO_REUSEADDR for immediate rebinding after restart
	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", apiCfg.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if apiCfg.TLSEnabled {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetAPI()
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(apiCfg.RateLimitRPS).Middleware())

	if s.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/status", s.handleStatus)
	}

	protected := router.Group("/api")
	protected.Use(RequireToken(s.cfg))
	{
		protected.GET("/sessions", s.handleListSessions)
		protected.GET("/sessions/:id", s.handleGetSession)
		protected.POST("/sessions/:id/kick", s.handleKickSession)

		protected.GET("/bans", s.handleListBans)
		protected.POST("/bans", s.handleAddBan)
		protected.DELETE("/bans/:target", s.handleRemoveBan)

		protected.GET("/system", s.handleSystem)
		protected.GET("/config", s.handleGetConfig)
		protected.PUT("/config/proxy", s.handleSetProxyOption)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "starrelay API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) emit(c *gin.Context, t events.EventType, payload interface{}) {
	if s.deps.EventBus == nil {
		return
	}
	s.deps.EventBus.Emit(c.Request.Context(), events.Event{Type: t, Source: "api", Payload: payload})
}
