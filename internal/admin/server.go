// Package admin serves the loopback HTTP endpoint used for diagnostics,
// reload requests, Prometheus scraping and collectd ingestion.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yairfalse/faultd/internal/plugins"
	"github.com/yairfalse/faultd/internal/queue"
)

const (
	// MaxCollectdBody bounds one collectd write_http batch
	MaxCollectdBody = 1 << 20

	shutdownTimeout = 5 * time.Second
)

// PluginLister reports plugin states
type PluginLister interface {
	Plugins() []plugins.Status
}

// Queue is the part of the upload queue the endpoint uses
type Queue interface {
	Enqueue(e queue.Entry) (uint64, error)
	Len() (int, error)
}

// Config wires the endpoint to the daemon
type Config struct {
	Addr    string
	Plugins PluginLister
	Queue   Queue

	// Reload re-reads the configuration and reloads every plugin
	Reload func(ctx context.Context) error

	// Metrics serves /metrics when set
	Metrics http.Handler

	// Collecting reports whether data collection is enabled
	Collecting func() bool
}

// ErrorResponse is returned for failed requests
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by /healthz
type HealthResponse struct {
	Status      string `json:"status"`
	QueueLength int    `json:"queue_length"`
}

// Server is the admin HTTP server
type Server struct {
	config Config
	engine *gin.Engine
	logger *zap.Logger
}

// NewServer builds the router
func NewServer(config Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{config: config, logger: logger.Named("admin")}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", s.handleHealth)
	if config.Metrics != nil {
		router.GET("/metrics", gin.WrapH(config.Metrics))
	}

	v1 := router.Group("/v1")
	v1.GET("/plugins", s.handlePlugins)
	v1.POST("/reload", s.handleReload)
	v1.POST("/collectd", s.handleCollectd)

	s.engine = router
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{Status: "ok"}
	if s.config.Queue != nil {
		n, err := s.config.Queue.Len()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
			return
		}
		resp.QueueLength = n
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePlugins(c *gin.Context) {
	if s.config.Plugins == nil {
		c.JSON(http.StatusOK, []plugins.Status{})
		return
	}
	c.JSON(http.StatusOK, s.config.Plugins.Plugins())
}

func (s *Server) handleReload(c *gin.Context) {
	if s.config.Reload == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "reload not supported"})
		return
	}
	if err := s.config.Reload(c.Request.Context()); err != nil {
		s.logger.Error("Reload request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

// handleCollectd stores one batch posted by collectd's write_http plugin
func (s *Server) handleCollectd(c *gin.Context) {
	if s.config.Collecting != nil && !s.config.Collecting() {
		c.Status(http.StatusNoContent)
		return
	}
	if s.config.Queue == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "no upload queue"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxCollectdBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error()})
		return
	}
	if !json.Valid(body) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "body is not valid JSON"})
		return
	}

	seq, err := s.config.Queue.Enqueue(queue.Entry{Kind: queue.KindMetrics, Payload: body})
	if err != nil {
		s.logger.Error("Failed to queue metrics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	s.logger.Debug("Queued metrics batch", zap.Uint64("seq", seq), zap.Int("bytes", len(body)))
	c.Status(http.StatusNoContent)
}

// Serve listens on the configured address until ctx is cancelled
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener serves on listener until ctx is cancelled
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	s.logger.Info("Admin endpoint listening", zap.String("address", listener.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down admin server: %w", err)
	}
	return nil
}
