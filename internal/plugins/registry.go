// Package plugins holds the capability modules of the daemon and routes
// control messages to them.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/faultd/internal/config"
	"github.com/yairfalse/faultd/internal/ipc"
	"github.com/yairfalse/faultd/internal/queue"
	"github.com/yairfalse/faultd/internal/service"
)

// Plugin is a capability module. Optional behavior is exposed through the
// Reloader, Destroyer and MessageHandler interfaces.
type Plugin interface {
	Name() string
}

// Reloader re-applies configuration
type Reloader interface {
	Reload(ctx context.Context) error
}

// Destroyer releases resources at shutdown
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// MessageHandler handles control messages routed by tag
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *ipc.Message) error
}

// Deps is what plugins get to work with
type Deps struct {
	Config   *config.Store
	Logger   *zap.Logger
	Fs       afero.Fs
	Services service.Manager
	Queue    *queue.Queue
	Meter    metric.Meter

	// LogLevel is the level of the shared logger, adjustable at runtime
	LogLevel *zap.AtomicLevel
}

// InitFunc constructs a plugin
type InitFunc func(ctx context.Context, deps *Deps) (Plugin, error)

// Descriptor names a plugin and how to build it. Plugins without a Tag never
// receive messages.
type Descriptor struct {
	Name string
	Tag  string
	Init InitFunc
}

// Status describes a plugin for diagnostics
type Status struct {
	Name    string `json:"name"`
	Tag     string `json:"tag,omitempty"`
	Enabled bool   `json:"enabled"`
	Error   string `json:"error,omitempty"`
}

type entry struct {
	desc    Descriptor
	plugin  Plugin
	initErr error
}

// Registry owns the plugins built from a descriptor table
type Registry struct {
	mu          sync.Mutex
	entries     []*entry
	logger      *zap.Logger
	destroyOnce sync.Once

	initFailures metric.Int64Counter
	dispatched   metric.Int64Counter
}

// NewRegistry initializes every descriptor in order. A plugin that fails to
// initialize is disabled; the others are unaffected.
func NewRegistry(ctx context.Context, descriptors []Descriptor, deps *Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter("faultd/plugins")
	}

	r := &Registry{logger: logger.Named("plugins")}
	r.initializeMetrics(meter)

	for _, desc := range descriptors {
		e := &entry{desc: desc}
		r.entries = append(r.entries, e)

		plugin, err := r.initPlugin(ctx, desc, deps)
		if err != nil {
			e.initErr = err
			r.logger.Error("Plugin failed to initialize, disabling it",
				zap.String("plugin", desc.Name),
				zap.Error(err))
			if r.initFailures != nil {
				r.initFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("plugin", desc.Name)))
			}
			continue
		}
		e.plugin = plugin
		r.logger.Info("Plugin initialized", zap.String("plugin", desc.Name))
	}
	return r
}

func (r *Registry) initPlugin(ctx context.Context, desc Descriptor, deps *Deps) (plugin Plugin, err error) {
	// An init panic disables the plugin the same way an init error does.
	defer func() {
		if p := recover(); p != nil {
			plugin, err = nil, fmt.Errorf("panic during init: %v", p)
		}
	}()

	if desc.Init == nil {
		return nil, errors.New("no init function")
	}
	plugin, err = desc.Init(ctx, deps)
	if err == nil && plugin == nil {
		err = errors.New("init returned no plugin")
	}
	return plugin, err
}

func (r *Registry) initializeMetrics(meter metric.Meter) {
	var err error
	r.initFailures, err = meter.Int64Counter(
		"faultd_plugin_init_failures_total",
		metric.WithDescription("Plugins disabled because their init failed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		r.logger.Debug("Failed to create init failures counter", zap.Error(err))
	}

	r.dispatched, err = meter.Int64Counter(
		"faultd_plugin_messages_total",
		metric.WithDescription("Control messages routed to a plugin"),
		metric.WithUnit("1"),
	)
	if err != nil {
		r.logger.Debug("Failed to create dispatch counter", zap.Error(err))
	}
}

// Dispatch routes msg to the first enabled plugin whose tag matches
func (r *Registry) Dispatch(ctx context.Context, msg *ipc.Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.plugin == nil || e.desc.Tag == "" || e.desc.Tag != msg.Tag {
			continue
		}
		handler, ok := e.plugin.(MessageHandler)
		if !ok {
			continue
		}

		if r.dispatched != nil {
			r.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("plugin", e.desc.Name)))
		}
		if err := handler.HandleMessage(ctx, msg); err != nil {
			return true, fmt.Errorf("%s: %w", e.desc.Name, err)
		}
		return true, nil
	}
	return false, nil
}

// ReloadAll asks every enabled plugin to re-apply configuration. Failures are
// logged and do not stop the remaining plugins.
func (r *Registry) ReloadAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		reloader, ok := e.plugin.(Reloader)
		if !ok {
			continue
		}
		if err := reloader.Reload(ctx); err != nil {
			r.logger.Error("Plugin reload failed",
				zap.String("plugin", e.desc.Name),
				zap.Error(err))
		}
	}
}

// DestroyAll tears plugins down in reverse order. Only the first call has an effect.
func (r *Registry) DestroyAll(ctx context.Context) {
	r.destroyOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		for i := len(r.entries) - 1; i >= 0; i-- {
			e := r.entries[i]
			destroyer, ok := e.plugin.(Destroyer)
			if !ok {
				continue
			}
			if err := destroyer.Destroy(ctx); err != nil {
				r.logger.Error("Plugin destroy failed",
					zap.String("plugin", e.desc.Name),
					zap.Error(err))
			}
		}
		for _, e := range r.entries {
			e.plugin = nil
		}
	})
}

// Plugins reports the state of every descriptor
func (r *Registry) Plugins() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		s := Status{Name: e.desc.Name, Tag: e.desc.Tag, Enabled: e.plugin != nil}
		if e.initErr != nil {
			s.Error = e.initErr.Error()
		}
		out = append(out, s)
	}
	return out
}
