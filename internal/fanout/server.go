package fanout

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"amm-analytics/internal/observability"
)

const (
	requestIDHeaderKey  = "X-Request-ID"
	requestIDContextKey = "request_id"
)

// ServerConfig configures the websocket server.
type ServerConfig struct {
	Addr       string // Default: ":8080"
	SendBuffer int    // per-client queue. Default: 256
}

// Server exposes /ws, /healthz and /metrics.
type Server struct {
	hub      *Hub
	cfg      ServerConfig
	log      *zap.Logger
	upgrader websocket.Upgrader
	router   *gin.Engine
	ctx      context.Context
}

// NewServer creates the HTTP server for hub.
func NewServer(hub *Hub, cfg ServerConfig, log *zap.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		hub: hub,
		cfg: cfg,
		log: log.Named("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx: context.Background(),
	}
	s.router = s.setupRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestIDMiddleware())
	router.Use(gin.Recovery())

	router.GET("/ws", s.serveWS)
	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(observability.Handler()))
	return router
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeaderKey)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header(requestIDHeaderKey, requestID)
		c.Set(requestIDContextKey, requestID)
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "OK",
		"channels":  len(s.hub.Channels()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) serveWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", zap.Error(err))
		return
	}
	cl := newClient(conn, s.hub, s.cfg.SendBuffer, s.log)
	s.log.Debug("client connected", zap.String("client", cl.id), zap.String("request_id", c.GetString(requestIDContextKey)))

	// The connection outlives the request; it is bound to the server context.
	go cl.serve(s.ctx)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
