package mirrorhttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mirror-trader/internal/risk"
	"mirror-trader/order"
)

// BatchSubmitter 由 order.Submitter 实现
type BatchSubmitter interface {
	Submit(ctx context.Context, intents []order.Intent, opts order.SubmitOptions) (order.BatchResult, error)
}

// Connections 由 risk.ConnectionMonitor 实现
type Connections interface {
	Keys() []risk.Key
	RunHealthCheck(ctx context.Context, key risk.Key) risk.HealthCheckResult
	Registry() *risk.Registry
}

// BatchHistory 由 store.Ledger 实现
type BatchHistory interface {
	Recent(limit int) ([]order.BatchRecord, error)
	Get(batchID string) (order.BatchRecord, error)
}

// OrderLookup 由 order.Tracker 实现
type OrderLookup interface {
	Get(id string) (order.Order, bool)
	List() []order.Order
}

// ServerConfig 描述 HTTP 服务依赖，未提供的依赖对应接口返回 503。
type ServerConfig struct {
	Addr        string
	Submitter   BatchSubmitter
	Connections Connections
	Batches     BatchHistory
	Orders      OrderLookup
	Logger      *zap.Logger
}

// Server 连接状态与批量下单的 HTTP 接口。
type Server struct {
	addr   string
	router *gin.Engine
	logger *zap.Logger
}

// NewServer 构建 HTTP server。
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Submitter == nil && cfg.Connections == nil {
		return nil, errors.New("http server requires submitter or connections")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(cfg.Logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r := &handlers{
		submitter:   cfg.Submitter,
		connections: cfg.Connections,
		batches:     cfg.Batches,
		orders:      cfg.Orders,
	}
	r.register(router.Group("/api"))

	return &Server{addr: cfg.Addr, router: router, logger: cfg.Logger}, nil
}

// requestLogger 记录每个请求的方法、路径、状态与耗时。
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("query", c.Request.URL.RawQuery),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
			zap.Duration("dur", time.Since(start)),
		)
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler 返回底层 http.Handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
