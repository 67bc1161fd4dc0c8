package devnode

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/factomledger/internal/metrics"
	"github.com/jmerrifield20/factomledger/internal/nodestore"
)

// APIPrefix is where both APIs are mounted.
const APIPrefix = "/v1"

// maxBodySize bounds request bodies. A commit or reveal is far smaller.
const maxBodySize = 1 << 20

// Config holds dev node configuration.
type Config struct {
	NodeAddr      string
	CommitAddr    string
	SinglePort    bool // serve the commit API on NodeAddr too
	BlockInterval time.Duration
	RateLimitRPS  int
	CORSOrigins   []string
}

// Server runs the node API, the commit API and the block sealer.
type Server struct {
	cfg     Config
	handler *Handler
	sealer  *Sealer
	logger  *zap.Logger
}

// NewServer creates a Server over store.
func NewServer(store nodestore.Store, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NodeAddr == "" {
		cfg.NodeAddr = ":8088"
	}
	if cfg.CommitAddr == "" {
		cfg.CommitAddr = ":8089"
	}
	sealer := NewSealer(store, SealerConfig{Interval: cfg.BlockInterval}, logger)
	sealer.SetMetricsRecord(metrics.RecordBlocksSealed)
	return &Server{
		cfg:     cfg,
		handler: NewHandler(store, logger),
		sealer:  sealer,
		logger:  logger,
	}
}

// Sealer returns the server's block sealer.
func (s *Server) Sealer() *Sealer { return s.sealer }

// NodeRouter builds the engine for the node API. In single-port mode it
// carries the commit routes as well.
func (s *Server) NodeRouter(ctx context.Context) *gin.Engine {
	r := s.baseRouter(ctx)
	r.GET("/metrics", metrics.Handler())
	v1 := r.Group(APIPrefix)
	s.handler.RegisterNode(v1)
	if s.cfg.SinglePort {
		s.handler.RegisterCommit(v1)
	}
	return r
}

// CommitRouter builds the engine for the commit API.
func (s *Server) CommitRouter(ctx context.Context) *gin.Engine {
	r := s.baseRouter(ctx)
	s.handler.RegisterCommit(r.Group(APIPrefix))
	return r
}

func (s *Server) baseRouter(ctx context.Context) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
			AllowCredentials: !containsWildcard(s.cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	})
	if s.cfg.RateLimitRPS > 0 {
		r.Use(RateLimiter(ctx, s.cfg.RateLimitRPS, s.cfg.RateLimitRPS*2))
	}
	r.Use(metrics.PrometheusMiddleware())
	r.Use(requestLogger(s.logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

// Run serves until ctx is cancelled or a listener fails, then shuts the
// servers down and runs a last seal.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	servers := []*http.Server{{
		Addr:              s.cfg.NodeAddr,
		Handler:           s.NodeRouter(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if !s.cfg.SinglePort {
		servers = append(servers, &http.Server{
			Addr:              s.cfg.CommitAddr,
			Handler:           s.CommitRouter(ctx),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errc := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			s.logger.Info("devnode listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	sealerDone := make(chan struct{})
	go func() {
		defer close(sealerDone)
		s.sealer.Start(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
		s.logger.Error("listener failed", zap.Error(runErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP shutdown error", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
	cancel()
	<-sealerDone

	s.logger.Info("devnode stopped")
	return runErr
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that tags each request with an id
// and logs it with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)

		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
