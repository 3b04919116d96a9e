package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/courierlabs/runner/internal/logging"
)

// DebugServer serves /metrics and /healthz on a loopback address.
type DebugServer struct {
	server  *http.Server
	logger  *logging.Logger
	metrics *Metrics
}

// NewDebugServer builds the listener. The caller decides whether to start it;
// an empty address should mean no server at all.
func NewDebugServer(addr string, metrics *Metrics, logger *logging.Logger) *DebugServer {
	if logger == nil {
		logger = logging.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	started := time.Now()
	router.GET("/healthz", func(c *gin.Context) {
		metrics.UpdateUptime()
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(started).String(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		metrics.Registry(),
		promhttp.HandlerOpts{},
	)))

	return &DebugServer{
		server:  &http.Server{Addr: addr, Handler: router},
		logger:  logger.Named("debug"),
		metrics: metrics,
	}
}

// Start serves in the background until Shutdown.
func (s *DebugServer) Start() {
	go func() {
		s.logger.Info("debug listener up", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("debug listener failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the listener.
func (s *DebugServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
