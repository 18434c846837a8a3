package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tablelink-project/tablelink/internal/config"
	"github.com/tablelink-project/tablelink/internal/metrics"
	intnet "github.com/tablelink-project/tablelink/internal/network"
	"github.com/tablelink-project/tablelink/internal/protocol"
	"github.com/tablelink-project/tablelink/internal/session"
	"github.com/tablelink-project/tablelink/internal/store"
	"github.com/tablelink-project/tablelink/internal/util"
)

// SessionController is the part of the connection manager the API drives.
type SessionController interface {
	Snapshot() session.Snapshot
	Connect(userID string) error
	Disconnect()
	Logout() (store.Session, error)
	Send(env protocol.Envelope) error
	JoinTable(tableID string, position *int) error
	LeaveTable() error
	GameAction(payload json.RawMessage) error
	TrackNavigation(page string, position *int) (store.Session, error)
}

var _ SessionController = (*session.Manager)(nil)

// Server is the local REST control API.
type Server struct {
	cfg           config.APIConfig
	defaultUserID string
	version       string

	session SessionController
	metrics *metrics.Metrics
	logger  zerolog.Logger

	hostOnce sync.Once
	host     util.SystemInfo

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server. defaultUserID is used by connect
// requests that do not name a user.
func NewServer(cfg config.APIConfig, ctrl SessionController, m *metrics.Metrics, defaultUserID, version string) *Server {
	s := &Server{
		cfg:           cfg,
		defaultUserID: defaultUserID,
		version:       version,
		session:       ctrl,
		metrics:       m,
		logger:        util.ComponentLogger("api"),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := s.Addr()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// SO_REUSEADDR so a restart can rebind immediately.
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	if s.cfg.TLSEnabled {
		cert, err := util.EnsureLocalCert(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("API TLS setup failed: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
		ln = tls.NewListener(ln, s.httpServer.TLSConfig)
	}

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", s.cfg.TLSEnabled).
		Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
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

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost", "http://127.0.0.1"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(s.cfg.RateLimitRPS).Middleware())

	router.GET("/api/ping", s.handlePing)

	protected := router.Group("/")
	protected.Use(IPWhitelist(s.cfg.IPWhitelist), RequireToken(s.cfg.AuthToken))

	protected.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	sess := protected.Group("/api/session")
	{
		sess.GET("", s.handleGetSession)
		sess.POST("/connect", s.handleConnect)
		sess.POST("/disconnect", s.handleDisconnect)
		sess.POST("/logout", s.handleLogout)
		sess.POST("/send", s.handleSend)
		sess.PUT("/navigation", s.handleNavigation)
	}

	tables := protected.Group("/api/tables")
	{
		tables.POST("/:id/join", s.handleJoinTable)
		tables.POST("/leave", s.handleLeaveTable)
		tables.POST("/action", s.handleGameAction)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
