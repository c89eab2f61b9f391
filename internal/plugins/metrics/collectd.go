// Package metrics configures collectd to send its measurements to the daemon.
package metrics

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"syscall"
	"text/template"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/yairfalse/faultd/internal/config"
	"github.com/yairfalse/faultd/internal/ipc"
	"github.com/yairfalse/faultd/internal/plugins"
	"github.com/yairfalse/faultd/internal/service"
)

const (
	// Name of the plugin
	Name = "collectd"

	// Tag of the "flush metrics now" request
	Tag = "COLLECTD"

	// Unit is the collectd service
	Unit = "collectd.service"

	flushDelay = time.Second
)

var headerTemplate = template.Must(template.New("header").Parse(`Interval {{.Interval}}

`))

var footerTemplate = template.Must(template.New("footer").Parse(`<LoadPlugin write_http>
  FlushInterval {{.Interval}}
</LoadPlugin>

<Plugin write_http>
  <Node "memfault">
    URL "{{.URL}}"
    Format "JSON"
    Metrics true
    Notifications false
    StoreRates true
    BufferSize 64
    Timeout 10000
  </Node>
</Plugin>

LoadPlugin match_regex
PostCacheChain "MemfaultdGeneratedPostCacheChain"
<Chain "MemfaultdGeneratedPostCacheChain">
  <Rule "ignore_memory_metrics">
    <Match "regex">
      Type "^memory$"
      TypeInstance "^(buffered|cached|slab_recl|slab_unrecl)$"
    </Match>
{{- if .Chain}}
    <Target "jump">
      Chain "{{.Chain}}"
    </Target>
{{- else}}
    Target "stop"
{{- end}}
  </Rule>
  Target "write"
</Chain>

`))

type templateData struct {
	Interval int
	URL      string
	Chain    string
}

// Plugin keeps the collectd include files in sync with the configuration
type Plugin struct {
	config   *config.Store
	fs       afero.Fs
	services service.Manager
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	enabled bool
}

// Init builds the plugin for the registry and writes the include files
func Init(ctx context.Context, deps *plugins.Deps) (plugins.Plugin, error) {
	p := New(deps)
	if err := p.Reload(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// New creates the plugin without touching any file
func New(deps *plugins.Deps) *Plugin {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{
		config:   deps.Config,
		fs:       deps.Fs,
		services: deps.Services,
		logger:   logger.Named(Name),
		sleep:    sleepContext,
	}
}

// Name implements plugins.Plugin
func (p *Plugin) Name() string { return Name }

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Render returns the header and footer include files for cfg. Both are empty
// when metrics collection is off.
func Render(cfg *config.Config) (header, footer []byte, err error) {
	if !cfg.EnableDataCollection || !cfg.Metrics.Enabled {
		return []byte{}, []byte{}, nil
	}

	data := templateData{
		Interval: cfg.Metrics.IntervalSeconds,
		URL:      cfg.Metrics.WriteHTTPURL,
		Chain:    cfg.Metrics.NonMemfaultdChain,
	}

	var h, f bytes.Buffer
	if err := headerTemplate.Execute(&h, data); err != nil {
		return nil, nil, fmt.Errorf("failed to render collectd header: %w", err)
	}
	if err := footerTemplate.Execute(&f, data); err != nil {
		return nil, nil, fmt.Errorf("failed to render collectd footer: %w", err)
	}
	return h.Bytes(), f.Bytes(), nil
}

// writeIfChanged reports whether path had to be rewritten
func (p *Plugin) writeIfChanged(path string, content []byte) (bool, error) {
	current, err := afero.ReadFile(p.fs, path)
	if err == nil && bytes.Equal(current, content) {
		return false, nil
	}
	if err := afero.WriteFile(p.fs, path, content, 0o644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

// Reload regenerates the include files and restarts collectd if they changed
func (p *Plugin) Reload(ctx context.Context) error {
	cfg := p.config.Get()
	header, footer, err := Render(cfg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	headerChanged, err := p.writeIfChanged(cfg.Metrics.HeaderIncludeOutputFile, header)
	if err != nil {
		return err
	}
	footerChanged, err := p.writeIfChanged(cfg.Metrics.FooterIncludeOutputFile, footer)
	if err != nil {
		return err
	}

	p.enabled = len(header) > 0
	if !headerChanged && !footerChanged {
		return nil
	}

	if p.enabled {
		p.logger.Info("Updated collectd configuration",
			zap.Int("interval_seconds", cfg.Metrics.IntervalSeconds))
	} else {
		p.logger.Info("Metrics collection is off, cleared collectd configuration")
	}
	if err := p.services.RestartIfRunning(ctx, Unit); err != nil {
		return fmt.Errorf("failed to restart collectd: %w", err)
	}
	return nil
}

// HandleMessage asks collectd to flush its metrics now
func (p *Plugin) HandleMessage(ctx context.Context, msg *ipc.Message) error {
	p.mu.Lock()
	enabled := p.enabled
	p.mu.Unlock()
	if !enabled {
		p.logger.Debug("Metrics collection is off, ignoring flush request")
		return nil
	}

	if err := p.services.RestartIfRunning(ctx, Unit); err != nil {
		return fmt.Errorf("failed to restart collectd: %w", err)
	}
	// collectd ignores signals until its plugins are initialized
	if err := p.sleep(ctx, flushDelay); err != nil {
		return err
	}

	p.logger.Info("Requesting metrics from collectd now")
	return p.services.Kill(ctx, Unit, syscall.SIGUSR1)
}
