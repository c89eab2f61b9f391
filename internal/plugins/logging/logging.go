// Package logging applies the configured log level to the running daemon.
package logging

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/yairfalse/faultd/internal/config"
	"github.com/yairfalse/faultd/internal/plugins"
)

// Name of the plugin
const Name = "logging"

// Plugin owns the log level
type Plugin struct {
	config *config.Store
	level  *zap.AtomicLevel
	logger *zap.Logger
}

// Init builds the plugin for the registry and applies the configured level
func Init(ctx context.Context, deps *plugins.Deps) (plugins.Plugin, error) {
	if deps.LogLevel == nil {
		return nil, errors.New("no adjustable log level")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Plugin{config: deps.Config, level: deps.LogLevel, logger: logger.Named(Name)}
	if err := p.Reload(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Name implements plugins.Plugin
func (p *Plugin) Name() string { return Name }

// Reload applies log_level
func (p *Plugin) Reload(ctx context.Context) error {
	want := p.config.Get().LogLevel
	level, err := zapcore.ParseLevel(want)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", want, err)
	}
	if p.level.Level() == level {
		return nil
	}
	p.level.SetLevel(level)
	p.logger.Info("Log level changed", zap.Stringer("level", level))
	return nil
}
