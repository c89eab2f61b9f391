// Package reboot reports one reboot event per boot together with the reason
// of the previous shutdown.
package reboot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/yairfalse/faultd/internal/bootid"
	"github.com/yairfalse/faultd/internal/config"
	"github.com/yairfalse/faultd/internal/plugins"
	"github.com/yairfalse/faultd/internal/queue"
	"github.com/yairfalse/faultd/internal/service"
)

const (
	// Name of the plugin
	Name = "reboot"

	// ReasonStateFile holds the reason the daemon recorded at shutdown
	ReasonStateFile = "lastrebootreason"

	// UpgradeMarkerFile exists under data_dir while a firmware update is installing
	UpgradeMarkerFile = "upgrading"

	pstoreDmesgFile = "dmesg-ramoops-0"
)

// Payload is the queued reboot event
type Payload struct {
	Reason Reason `json:"reason"`
	BootID string `json:"boot_id"`
}

type reasonSource struct {
	name string
	read func(cfg *config.Config) (Reason, bool)
}

// Plugin tracks boots and shutdowns
type Plugin struct {
	config   *config.Store
	fs       afero.Fs
	services service.Manager
	queue    *queue.Queue
	logger   *zap.Logger

	// collecting is fixed at init
	collecting bool
}

// Init builds the plugin for the registry
func Init(ctx context.Context, deps *plugins.Deps) (plugins.Plugin, error) {
	return New(ctx, deps)
}

// New tracks the current boot and queues a reboot event if it is new
func New(ctx context.Context, deps *plugins.Deps) (*Plugin, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config.Get()

	p := &Plugin{
		config:     deps.Config,
		fs:         deps.Fs,
		services:   deps.Services,
		queue:      deps.Queue,
		logger:     logger.Named(Name),
		collecting: cfg.EnableDataCollection,
	}

	current, err := bootid.Read(p.fs, cfg.Reboot.BootIDPath)
	if err != nil {
		return nil, err
	}
	tracker := bootid.NewTracker(p.fs, cfg.StatePath(bootid.StateFile), p.logger)

	if !p.collecting {
		// The reboot happened before data collection was enabled: mark the
		// boot as seen without reporting it.
		if _, err := tracker.Track(current); err != nil {
			p.logger.Warn("Failed to track boot", zap.Error(err))
		}
		p.clearPstore(cfg)
		p.logger.Info("Data collection disabled, not reporting reboots")
		return p, nil
	}

	if p.queue == nil {
		return nil, fmt.Errorf("reboot plugin requires the upload queue")
	}

	isNew, err := tracker.Track(current)
	if err != nil {
		if !isNew {
			return nil, err
		}
		p.logger.Warn("Boot will be reported again on next start", zap.Error(err))
	}
	if !isNew {
		return p, nil
	}

	reason := p.resolveReason(cfg, current)
	if err := p.report(reason, current); err != nil {
		return nil, err
	}
	return p, nil
}

// Name implements plugins.Plugin
func (p *Plugin) Name() string { return Name }

func (p *Plugin) sources() []reasonSource {
	return []reasonSource{
		{name: "pstore", read: p.readPstore},
		{name: "customer", read: func(cfg *config.Config) (Reason, bool) {
			return p.readAndClear(cfg.Reboot.LastRebootReasonFile)
		}},
		{name: "internal", read: func(cfg *config.Config) (Reason, bool) {
			return p.readAndClear(cfg.StatePath(ReasonStateFile))
		}},
	}
}

// resolveReason reads and clears every source. The first source, in
// priority order, that holds a reason wins.
func (p *Plugin) resolveReason(cfg *config.Config, bootID string) Reason {
	resolved, found := ReasonUnknown, false
	for _, src := range p.sources() {
		reason, ok := src.read(cfg)
		if !ok {
			continue
		}
		if !found {
			resolved, found = reason, true
			p.logger.Info("Using reboot reason",
				zap.Stringer("reason", reason),
				zap.String("source", src.name),
				zap.String("boot_id", bootID))
			continue
		}
		p.logger.Info("Discarded reboot reason",
			zap.Stringer("reason", reason),
			zap.String("source", src.name),
			zap.String("boot_id", bootID))
	}
	return resolved
}

func (p *Plugin) readPstore(cfg *config.Config) (Reason, bool) {
	panicked, _ := afero.Exists(p.fs, filepath.Join(cfg.Reboot.PstoreDir, pstoreDmesgFile))
	p.clearPstore(cfg)
	if panicked {
		return ReasonKernelPanic, true
	}
	return ReasonUnknown, false
}

// clearPstore removes the records of the previous boot so pstore has room for the next one
func (p *Plugin) clearPstore(cfg *config.Config) {
	entries, err := afero.ReadDir(p.fs, cfg.Reboot.PstoreDir)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("Failed to list pstore", zap.String("dir", cfg.Reboot.PstoreDir), zap.Error(err))
		}
		return
	}
	for _, entry := range entries {
		if !entry.Mode().IsRegular() {
			continue
		}
		path := filepath.Join(cfg.Reboot.PstoreDir, entry.Name())
		if err := p.fs.Remove(path); err != nil {
			p.logger.Warn("Failed to remove pstore record", zap.String("path", path), zap.Error(err))
		}
	}
}

func (p *Plugin) readAndClear(path string) (Reason, bool) {
	if path == "" {
		return ReasonUnknown, false
	}
	data, err := afero.ReadFile(p.fs, path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("Failed to read reboot reason", zap.String("path", path), zap.Error(err))
		}
		return ReasonUnknown, false
	}
	if err := p.fs.Remove(path); err != nil {
		p.logger.Warn("Failed to remove reboot reason", zap.String("path", path), zap.Error(err))
	}

	reason, err := ParseReason(string(data))
	if err != nil {
		p.logger.Warn("Ignoring reboot reason", zap.String("path", path), zap.Error(err))
		return ReasonUnknown, false
	}
	return reason, true
}

func (p *Plugin) report(reason Reason, bootID string) error {
	payload, err := json.Marshal(Payload{Reason: reason, BootID: bootID})
	if err != nil {
		return fmt.Errorf("failed to encode reboot event: %w", err)
	}
	if _, err := p.queue.Enqueue(queue.Entry{Kind: queue.KindReboot, Payload: payload}); err != nil {
		return fmt.Errorf("failed to queue reboot event: %w", err)
	}
	p.logger.Info("Reported reboot", zap.Stringer("reason", reason), zap.String("boot_id", bootID))
	return nil
}

// Destroy records why the device is going down when the whole system is
// stopping, so the next boot can report it.
func (p *Plugin) Destroy(ctx context.Context) error {
	if !p.collecting || p.services == nil {
		return nil
	}

	state, err := p.services.SystemState(ctx)
	if err != nil {
		return err
	}
	if state != service.SystemStateStopping {
		return nil
	}

	cfg := p.config.Get()
	reason := ReasonUserReset
	if upgrading, _ := afero.Exists(p.fs, cfg.StatePath(UpgradeMarkerFile)); upgrading {
		reason = ReasonFirmwareUpdate
	}

	path := cfg.StatePath(ReasonStateFile)
	if err := afero.WriteFile(p.fs, path, []byte(fmt.Sprintf("%d", reason)), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	p.logger.Info("Recorded shutdown reason", zap.Stringer("reason", reason))
	return nil
}
