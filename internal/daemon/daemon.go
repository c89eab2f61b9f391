// Package daemon wires the configuration, plugins, control socket and admin
// endpoint into the running faultd process.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/faultd/internal/admin"
	"github.com/yairfalse/faultd/internal/config"
	"github.com/yairfalse/faultd/internal/ipc"
	"github.com/yairfalse/faultd/internal/plugins"
	"github.com/yairfalse/faultd/internal/plugins/attributes"
	"github.com/yairfalse/faultd/internal/plugins/coredump"
	"github.com/yairfalse/faultd/internal/plugins/logging"
	"github.com/yairfalse/faultd/internal/plugins/metrics"
	"github.com/yairfalse/faultd/internal/plugins/otaconfig"
	"github.com/yairfalse/faultd/internal/plugins/reboot"
	"github.com/yairfalse/faultd/internal/queue"
	"github.com/yairfalse/faultd/internal/service"
	"github.com/yairfalse/faultd/internal/telemetry"
)

// DefaultShutdownTimeout bounds all shutdown cleanups together
const DefaultShutdownTimeout = 30 * time.Second

// Descriptors is the plugin table, in initialization order
func Descriptors() []plugins.Descriptor {
	return []plugins.Descriptor{
		{Name: logging.Name, Init: logging.Init},
		{Name: attributes.Name, Tag: attributes.Tag, Init: attributes.Init},
		{Name: reboot.Name, Init: reboot.Init},
		{Name: otaconfig.Name, Init: otaconfig.Init},
		{Name: metrics.Name, Tag: metrics.Tag, Init: metrics.Init},
		{Name: coredump.Name, Tag: coredump.Tag, Init: coredump.Init},
	}
}

// NewLogger builds the process logger. Debug selects the development
// encoder; the returned level can be changed at runtime.
func NewLogger(level string) (*zap.Logger, *zap.AtomicLevel, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logConfig := zap.NewProductionConfig()
	if parsed == zapcore.DebugLevel {
		logConfig = zap.NewDevelopmentConfig()
	}
	logConfig.Level.SetLevel(parsed)

	logger, err := logConfig.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, &logConfig.Level, nil
}

// Options customizes New
type Options struct {
	Version  string
	Logger   *zap.Logger
	LogLevel *zap.AtomicLevel

	// Fs defaults to the OS filesystem
	Fs afero.Fs

	// Services defaults to systemd over D-Bus, or Noop when it is unreachable
	Services service.Manager

	ShutdownTimeout time.Duration
}

// Daemon is the assembled faultd process
type Daemon struct {
	store     *config.Store
	logger    *zap.Logger
	services  service.Manager
	queue     *queue.Queue
	telemetry *telemetry.Provider
	registry  *plugins.Registry
	ipc       *ipc.Server
	admin     *admin.Server
	watcher   *ConfigWatcher
	shutdown  *ShutdownHandler
}

// New builds every component. Resources acquired before a failure are
// released before New returns.
func New(ctx context.Context, store *config.Store, opts Options) (_ *Daemon, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	level := opts.LogLevel
	if level == nil {
		l := zap.NewAtomicLevel()
		level = &l
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	timeout := opts.ShutdownTimeout
	if timeout == 0 {
		timeout = DefaultShutdownTimeout
	}

	d := &Daemon{
		store:    store,
		logger:   logger,
		shutdown: NewShutdownHandler(timeout, logger),
	}
	defer func() {
		if err != nil {
			d.shutdown.Run(context.Background())
		}
	}()

	cfg := store.Get()
	if err := fs.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", cfg.DataDir, err)
	}

	d.telemetry, err = telemetry.New(telemetry.Config{
		ServiceName:    "faultd",
		ServiceVersion: opts.Version,
		SetGlobal:      true,
	})
	if err != nil {
		return nil, err
	}
	d.shutdown.Register("telemetry", d.telemetry.Shutdown)

	d.services = opts.Services
	if d.services == nil {
		d.services = connectServices(ctx, logger)
	}
	d.shutdown.Register("services", func(context.Context) error {
		d.services.Close()
		return nil
	})

	d.queue, err = queue.Open(queue.Config{Dir: cfg.QueueDir(), SyncWrites: true}, logger)
	if err != nil {
		return nil, err
	}
	d.shutdown.Register("queue", func(context.Context) error {
		return d.queue.Close()
	})

	d.registry = plugins.NewRegistry(ctx, Descriptors(), &plugins.Deps{
		Config:   store,
		Logger:   logger,
		Fs:       fs,
		Services: d.services,
		Queue:    d.queue,
		Meter:    d.telemetry.Meter("faultd"),
		LogLevel: level,
	})
	d.shutdown.Register("plugins", func(ctx context.Context) error {
		d.registry.DestroyAll(ctx)
		return nil
	})

	d.ipc = ipc.NewServer(cfg.IPC.SocketPath, d.registry, logger)
	d.shutdown.Register("ipc", func(context.Context) error {
		return d.ipc.Close()
	})

	if cfg.Admin.ListenAddress != "" {
		d.admin = admin.NewServer(admin.Config{
			Addr:    cfg.Admin.ListenAddress,
			Plugins: d.registry,
			Queue:   d.queue,
			Reload:  d.Reload,
			Metrics: d.telemetry.Handler(),
			Collecting: func() bool {
				return store.Get().EnableDataCollection
			},
		}, logger)
	}

	if store.Path() != "" {
		d.watcher = NewConfigWatcher(store.Path(), d.Reload, logger)
	}

	return d, nil
}

func connectServices(ctx context.Context, logger *zap.Logger) service.Manager {
	sd, err := service.NewSystemd(ctx, logger)
	if err != nil {
		logger.Warn("Service manager unavailable, service control disabled", zap.Error(err))
		return service.Noop{Reason: err}
	}
	return sd
}

// Reload re-reads the configuration file and reloads every plugin. The
// previous configuration stays active if the file is invalid.
func (d *Daemon) Reload(ctx context.Context) error {
	if err := d.store.Reload(); err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	d.registry.ReloadAll(ctx)
	return nil
}

// Run serves until ctx is done, then shuts everything down
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.ipc.Listen(); err != nil {
		return joinShutdown(err, d.shutdown.Run(context.Background()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.ipc.Serve(gctx)
	})
	if d.admin != nil {
		g.Go(func() error {
			return d.admin.Serve(gctx)
		})
	}
	if d.watcher != nil {
		g.Go(func() error {
			if err := d.watcher.Run(gctx); err != nil {
				d.logger.Warn("Configuration watch disabled, use SIGHUP to reload", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		d.handleHangup(gctx)
		return nil
	})

	if sent, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		d.logger.Warn("Failed to notify service manager", zap.Error(err))
	} else if sent {
		d.logger.Debug("Notified service manager of readiness")
	}
	d.logger.Info("faultd started",
		zap.String("socket", d.ipc.Addr()),
		zap.Bool("data_collection", d.store.Get().EnableDataCollection))

	runErr := g.Wait()
	if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyStopping); err != nil {
		d.logger.Debug("Failed to notify service manager of shutdown", zap.Error(err))
	}
	return joinShutdown(runErr, d.shutdown.Run(context.Background()))
}

// handleHangup reloads on SIGHUP until ctx is done
func (d *Daemon) handleHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if err := d.Reload(ctx); err != nil {
				d.logger.Error("Reload on SIGHUP failed", zap.Error(err))
				continue
			}
			d.logger.Info("Reloaded on SIGHUP")
		case <-ctx.Done():
			return
		}
	}
}

func joinShutdown(runErr, shutdownErr error) error {
	switch {
	case runErr == nil:
		return shutdownErr
	case shutdownErr == nil:
		return runErr
	default:
		return fmt.Errorf("%w (shutdown: %v)", runErr, shutdownErr)
	}
}
