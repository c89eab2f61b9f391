package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CleanupFunc releases one resource at shutdown
type CleanupFunc func(ctx context.Context) error

type cleanup struct {
	name string
	fn   CleanupFunc
}

// ShutdownHandler runs registered cleanups in reverse registration order
type ShutdownHandler struct {
	mu       sync.Mutex
	cleanups []cleanup
	timeout  time.Duration
	logger   *zap.Logger
	once     sync.Once
	err      error
}

// NewShutdownHandler creates a handler whose cleanups share one timeout
func NewShutdownHandler(timeout time.Duration, logger *zap.Logger) *ShutdownHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShutdownHandler{
		timeout: timeout,
		logger:  logger.Named("shutdown"),
	}
}

// Register adds a cleanup. Later registrations run first.
func (h *ShutdownHandler) Register(name string, fn CleanupFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups = append(h.cleanups, cleanup{name: name, fn: fn})
}

// Run executes every cleanup once. Later calls return the first result.
func (h *ShutdownHandler) Run(ctx context.Context) error {
	h.once.Do(func() {
		h.err = h.execute(ctx)
	})
	return h.err
}

func (h *ShutdownHandler) execute(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.Lock()
	cleanups := make([]cleanup, len(h.cleanups))
	copy(cleanups, h.cleanups)
	h.mu.Unlock()

	start := time.Now()
	var errs []error
	for i := len(cleanups) - 1; i >= 0; i-- {
		c := cleanups[i]
		if ctx.Err() != nil {
			h.logger.Warn("Shutdown timeout exceeded, skipping remaining cleanups",
				zap.String("next", c.name),
				zap.Int("skipped", i+1))
			errs = append(errs, fmt.Errorf("shutdown timed out before %s: %w", c.name, ctx.Err()))
			break
		}

		stepStart := time.Now()
		if err := c.fn(ctx); err != nil {
			h.logger.Warn("Cleanup failed",
				zap.String("name", c.name),
				zap.Duration("took", time.Since(stepStart)),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("failed to clean up %s: %w", c.name, err))
			continue
		}
		h.logger.Debug("Cleaned up",
			zap.String("name", c.name),
			zap.Duration("took", time.Since(stepStart)))
	}

	if len(errs) > 0 {
		h.logger.Warn("Shutdown completed with errors",
			zap.Int("errors", len(errs)),
			zap.Duration("took", time.Since(start)))
		return errors.Join(errs...)
	}
	h.logger.Info("Shutdown completed", zap.Duration("took", time.Since(start)))
	return nil
}
