// Package coredump captures crashing processes handed over by the core
// handler, rewrites their core dumps and queues them for upload.
package coredump

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/yairfalse/faultd/internal/config"
	"github.com/yairfalse/faultd/internal/coreelf"
	"github.com/yairfalse/faultd/internal/ipc"
	"github.com/yairfalse/faultd/internal/plugins"
	"github.com/yairfalse/faultd/internal/queue"
	"github.com/yairfalse/faultd/internal/ratelimit"
)

const (
	// Name of the plugin
	Name = "coredump"

	// Tag routes core handler messages to this plugin
	Tag = ipc.CoreTag

	// SubtypeELF is the only core format the handler sends
	SubtypeELF = ipc.CoreSubtypeELF

	// RateLimitStateFile holds the limiter window under data_dir
	RateLimitStateFile = "coredump_rate_limit"

	inputBufferSize = 64 << 10
)

// MemoryOpener gives access to the memory of a crashed process
type MemoryOpener func(pid int) (coreelf.CopyFunc, io.Closer, error)

// FreeSpaceFunc returns the bytes available to unprivileged users at path
type FreeSpaceFunc func(path string) (uint64, error)

// Payload is stored with every queued core dump
type Payload struct {
	PID             int      `json:"pid"`
	Segments        int      `json:"segments"`
	Size            uint64   `json:"size"`
	Compression     string   `json:"compression"`
	Warnings        []string `json:"warnings,omitempty"`
	DroppedWarnings int      `json:"dropped_warnings,omitempty"`
}

// Option customizes the plugin
type Option func(*Plugin)

// WithMemoryOpener replaces the /proc/<pid>/mem reader
func WithMemoryOpener(open MemoryOpener) Option {
	return func(p *Plugin) { p.openMemory = open }
}

// WithFreeSpace replaces the statfs based free space probe
func WithFreeSpace(free FreeSpaceFunc) Option {
	return func(p *Plugin) { p.freeSpace = free }
}

// WithClock replaces the wall clock used for capture times and rate limiting
func WithClock(now func() time.Time) Option {
	return func(p *Plugin) { p.now = now }
}

// Plugin handles CORE messages
type Plugin struct {
	config *config.Store
	fs     afero.Fs
	queue  *queue.Queue
	logger *zap.Logger

	openMemory MemoryOpener
	freeSpace  FreeSpaceFunc
	now        func() time.Time

	mu      sync.Mutex
	limiter *ratelimit.Limiter

	captured     metric.Int64Counter
	dropped      metric.Int64Counter
	bytesWritten metric.Int64Counter
}

// Init builds the plugin for the registry
func Init(ctx context.Context, deps *plugins.Deps) (plugins.Plugin, error) {
	return New(deps)
}

// New creates the plugin and installs the core handler as core_pattern
func New(deps *plugins.Deps, opts ...Option) (*Plugin, error) {
	if deps.Queue == nil {
		return nil, errors.New("coredump plugin requires the upload queue")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter("faultd/coredump")
	}

	p := &Plugin{
		config:     deps.Config,
		fs:         deps.Fs,
		queue:      deps.Queue,
		logger:     logger.Named(Name),
		openMemory: openProcMem,
		freeSpace:  statfsFree,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.initializeMetrics(meter)

	cfg := deps.Config.Get()
	if err := p.installCorePattern(cfg); err != nil {
		return nil, err
	}
	p.limiter = p.buildLimiter(cfg)
	return p, nil
}

// Name implements plugins.Plugin
func (p *Plugin) Name() string { return Name }

func (p *Plugin) initializeMetrics(meter metric.Meter) {
	var err error
	p.captured, err = meter.Int64Counter(
		"faultd_coredumps_captured_total",
		metric.WithDescription("Core dumps written and queued"),
		metric.WithUnit("1"),
	)
	if err != nil {
		p.logger.Debug("Failed to create captured counter", zap.Error(err))
	}

	p.dropped, err = meter.Int64Counter(
		"faultd_coredumps_dropped_total",
		metric.WithDescription("Core dumps skipped by policy or failure"),
		metric.WithUnit("1"),
	)
	if err != nil {
		p.logger.Debug("Failed to create dropped counter", zap.Error(err))
	}

	p.bytesWritten, err = meter.Int64Counter(
		"faultd_coredump_bytes_written_total",
		metric.WithDescription("Bytes of core dumps written to storage"),
		metric.WithUnit("By"),
	)
	if err != nil {
		p.logger.Debug("Failed to create bytes counter", zap.Error(err))
	}
}

func (p *Plugin) recordDrop(ctx context.Context, reason string) {
	if p.dropped != nil {
		p.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (p *Plugin) installCorePattern(cfg *config.Config) error {
	pattern := fmt.Sprintf("|%s %%P", cfg.Coredump.HandlerPath)
	if err := afero.WriteFile(p.fs, cfg.Coredump.CorePatternPath, []byte(pattern), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", cfg.Coredump.CorePatternPath, err)
	}
	p.logger.Debug("Installed core pattern", zap.String("pattern", pattern))
	return nil
}

func (p *Plugin) buildLimiter(cfg *config.Config) *ratelimit.Limiter {
	if cfg.EnableDevMode {
		return nil
	}
	return ratelimit.New(p.fs, ratelimit.Config{
		Limit:  cfg.Coredump.RateLimitCount,
		Window: cfg.RateLimitWindow(),
		Path:   cfg.StatePath(RateLimitStateFile),
	}, p.logger, ratelimit.WithClock(p.now))
}

// Reload re-installs the core pattern and rebuilds the rate limiter
func (p *Plugin) Reload(ctx context.Context) error {
	cfg := p.config.Get()

	p.mu.Lock()
	p.limiter = p.buildLimiter(cfg)
	p.mu.Unlock()

	return p.installCorePattern(cfg)
}

func (p *Plugin) allowed() bool {
	p.mu.Lock()
	limiter := p.limiter
	p.mu.Unlock()

	if limiter == nil {
		return true
	}
	return limiter.CheckEvent()
}

// HandleMessage captures one core dump. Arguments are the subtype and the pid
// of the crashed process; the message carries the core dump stream.
func (p *Plugin) HandleMessage(ctx context.Context, msg *ipc.Message) error {
	if msg.FD == nil {
		return errors.New("core message carries no file descriptor")
	}
	input := msg.FD.Take()
	if input == nil {
		return errors.New("core file descriptor already consumed")
	}
	defer input.Close()

	cfg := p.config.Get()
	if !cfg.EnableDataCollection {
		p.logger.Debug("Data collection disabled, discarding core", zap.String("pid", msg.Arg(1)))
		p.recordDrop(ctx, "data_collection_disabled")
		return nil
	}

	if subtype := msg.Arg(0); subtype != SubtypeELF {
		p.logger.Warn("Unexpected core subtype, treating as ELF", zap.String("subtype", subtype))
	}
	pid, err := strconv.Atoi(msg.Arg(1))
	if err != nil {
		return fmt.Errorf("invalid pid %q: %w", msg.Arg(1), err)
	}

	if !p.allowed() {
		p.logger.Info("Core dump rate limit reached, discarding core", zap.Int("pid", pid))
		p.recordDrop(ctx, "rate_limited")
		return nil
	}

	return p.capture(ctx, cfg, input, pid)
}

func (p *Plugin) capture(ctx context.Context, cfg *config.Config, input io.Reader, pid int) error {
	coreDir := cfg.CoreDir()
	if err := p.fs.MkdirAll(coreDir, 0o755); err != nil {
		p.recordDrop(ctx, "io_error")
		return fmt.Errorf("failed to create %s: %w", coreDir, err)
	}

	maxSize, err := p.maxCoreSize(cfg, coreDir)
	if err != nil {
		p.recordDrop(ctx, "io_error")
		return err
	}
	if maxSize == 0 {
		p.logger.Warn("Not enough storage to capture core dump", zap.Int("pid", pid))
		p.recordDrop(ctx, "no_space")
		return nil
	}

	compression := cfg.Coredump.Compression
	path := filepath.Join(coreDir, "corefile-"+uuid.NewString())
	if compression == "gzip" {
		path += ".gz"
	}

	copyFn, memory, err := p.openMemory(pid)
	if err != nil {
		p.recordDrop(ctx, "io_error")
		return fmt.Errorf("failed to open memory of pid %d: %w", pid, err)
	}
	defer memory.Close()

	out, err := p.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		p.recordDrop(ctx, "io_error")
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	fileSink := coreelf.NewFileSink(out, maxSize)
	var sink coreelf.Sink = fileSink
	if compression == "gzip" {
		sink = coreelf.NewGzipSink(fileSink)
	}

	metadata := coreelf.Metadata{
		SDKVersion:      config.SDKVersion,
		CapturedTime:    p.now(),
		DeviceSerial:    cfg.DeviceSerial,
		HardwareVersion: cfg.HardwareVersion,
		SoftwareType:    cfg.SoftwareType,
		SoftwareVersion: cfg.SoftwareVersion,
	}
	transformer := coreelf.NewTransformer(metadata, copyFn, p.logger)
	result, err := transformer.Transform(bufio.NewReaderSize(input, inputBufferSize), sink)
	closeErr := out.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close %s: %w", path, closeErr)
	}
	if err != nil {
		p.discard(path)
		p.recordDrop(ctx, "transform_failed")
		return fmt.Errorf("failed to capture core of pid %d: %w", pid, err)
	}

	payload, err := json.Marshal(Payload{
		PID:             pid,
		Segments:        result.Segments,
		Size:            fileSink.Written(),
		Compression:     compression,
		Warnings:        result.Warnings,
		DroppedWarnings: result.DroppedWarnings,
	})
	if err != nil {
		p.discard(path)
		return fmt.Errorf("failed to encode core payload: %w", err)
	}

	if _, err := p.queue.Enqueue(queue.Entry{
		Kind:      queue.KindCoredump,
		Path:      path,
		Payload:   payload,
		CreatedAt: metadata.CapturedTime,
	}); err != nil {
		p.discard(path)
		p.recordDrop(ctx, "queue_error")
		return err
	}

	if p.captured != nil {
		p.captured.Add(ctx, 1)
	}
	if p.bytesWritten != nil {
		p.bytesWritten.Add(ctx, int64(fileSink.Written()))
	}
	p.logger.Info("Captured core dump",
		zap.Int("pid", pid),
		zap.String("path", path),
		zap.Uint64("size", fileSink.Written()),
		zap.Int("segments", result.Segments),
		zap.Int("warnings", len(result.Warnings)))
	return nil
}

func (p *Plugin) discard(path string) {
	if err := p.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("Failed to remove partial core", zap.String("path", path), zap.Error(err))
	}
}

// maxCoreSize returns how many bytes the next core dump may occupy
func (p *Plugin) maxCoreSize(cfg *config.Config, coreDir string) (uint64, error) {
	free, err := p.freeSpace(cfg.DataDir)
	if err != nil {
		return 0, fmt.Errorf("failed to query free space of %s: %w", cfg.DataDir, err)
	}
	available := saturatingSub(free, cfg.Coredump.StorageMinHeadroomKiB*1024)

	if maxUsage := cfg.Coredump.StorageMaxUsageKiB * 1024; maxUsage > 0 {
		used, err := dirSize(p.fs, coreDir)
		if err != nil {
			return 0, err
		}
		available = min(available, saturatingSub(maxUsage, used))
	}

	if maxCore := cfg.Coredump.CoredumpMaxSizeKiB * 1024; maxCore > 0 {
		available = min(available, maxCore)
	}
	return available, nil
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

func dirSize(fs afero.Fs, dir string) (uint64, error) {
	var total uint64
	err := afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += uint64(info.Size())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure %s: %w", dir, err)
	}
	return total, nil
}

func statfsFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

func openProcMem(pid int) (coreelf.CopyFunc, io.Closer, error) {
	mem, err := coreelf.OpenProcMem(pid)
	if err != nil {
		return nil, nil, err
	}
	return mem.Copy, mem, nil
}
