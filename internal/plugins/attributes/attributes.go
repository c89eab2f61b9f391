// Package attributes records device attributes sent over the control socket.
package attributes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/yairfalse/faultd/internal/config"
	"github.com/yairfalse/faultd/internal/ipc"
	"github.com/yairfalse/faultd/internal/plugins"
	"github.com/yairfalse/faultd/internal/queue"
)

const (
	// Name of the plugin
	Name = "attributes"

	// Tag of attribute messages
	Tag = "ATTRIBUTES"
)

// ErrNoAttributes is returned for a message without key=value arguments
var ErrNoAttributes = errors.New("no attributes in message")

// Plugin queues attribute sets for upload
type Plugin struct {
	config *config.Store
	queue  *queue.Queue
	logger *zap.Logger
}

// Init builds the plugin for the registry
func Init(ctx context.Context, deps *plugins.Deps) (plugins.Plugin, error) {
	if deps.Queue == nil {
		return nil, errors.New("attributes plugin requires the upload queue")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{config: deps.Config, queue: deps.Queue, logger: logger.Named(Name)}, nil
}

// Name implements plugins.Plugin
func (p *Plugin) Name() string { return Name }

// Parse turns key=value arguments into a map. Later keys override earlier ones.
func Parse(args []string) (map[string]string, error) {
	attrs := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid attribute %q: want key=value", arg)
		}
		attrs[key] = value
	}
	if len(attrs) == 0 {
		return nil, ErrNoAttributes
	}
	return attrs, nil
}

// HandleMessage queues the attributes carried by msg
func (p *Plugin) HandleMessage(ctx context.Context, msg *ipc.Message) error {
	if !p.config.Get().EnableDataCollection {
		p.logger.Debug("Data collection disabled, dropping attributes")
		return nil
	}

	attrs, err := Parse(msg.Args)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	if _, err := p.queue.Enqueue(queue.Entry{Kind: queue.KindAttributes, Payload: payload}); err != nil {
		return err
	}

	p.logger.Info("Queued device attributes", zap.Int("count", len(attrs)))
	return nil
}
