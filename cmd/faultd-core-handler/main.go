// faultd-core-handler is installed as the kernel core_pattern pipe. It
// forwards the core dump on stdin to faultd and exits with its status.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/yairfalse/faultd/internal/config"
	"github.com/yairfalse/faultd/internal/ipc"
)

type options struct {
	configPath     string
	retries        int
	timeoutSeconds int
}

func main() {
	// The handler runs as root with the crashing process's core on stdin
	// and must not itself be dumpable.
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		fmt.Fprintf(os.Stderr, "failed to disable core dumps: %v\n", err)
		os.Exit(1)
	}

	code, err := newCommand().execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if code != ipc.StatusOK {
		os.Exit(1)
	}
}

type command struct {
	cmd  *cobra.Command
	opts options
	code int32
}

func newCommand() *command {
	c := &command{}
	c.cmd = &cobra.Command{
		Use:          "faultd-core-handler [flags] <pid> [args...]",
		Short:        "Forward a kernel core dump to faultd",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := run(cmd, c.opts, args)
			c.code = code
			return err
		},
	}
	flags := c.cmd.Flags()
	flags.StringVarP(&c.opts.configPath, "config", "c", config.DefaultConfigPath, "Path to configuration file")
	flags.IntVarP(&c.opts.retries, "retries", "r", 0, "Send attempts after the first failure (default from config)")
	flags.IntVarP(&c.opts.timeoutSeconds, "timeout", "t", 0, "Seconds to wait for the daemon reply (default from config)")
	return c
}

func (c *command) execute() (int32, error) {
	if err := c.cmd.ExecuteContext(context.Background()); err != nil {
		return 0, err
	}
	return c.code, nil
}

func newLogger(level string) *zap.Logger {
	logConfig := zap.NewProductionConfig()
	if parsed, err := zapcore.ParseLevel(level); err == nil {
		logConfig.Level.SetLevel(parsed)
	}
	logger, err := logConfig.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// forwarderConfig merges the configuration file with command line overrides
func forwarderConfig(cmd *cobra.Command, cfg *config.Config, opts options) ipc.ForwarderConfig {
	fc := ipc.DefaultForwarderConfig()
	fc.SocketPath = cfg.IPC.SocketPath
	fc.ReplyDir = cfg.TmpDir
	fc.RetryCount = cfg.Forwarder.RetryCount
	fc.ReplyTimeout = cfg.ReplyTimeout()

	if cmd.Flags().Changed("retries") {
		fc.RetryCount = opts.retries
	}
	if cmd.Flags().Changed("timeout") {
		fc.ReplyTimeout = time.Duration(opts.timeoutSeconds) * time.Second
	}
	return fc
}

func run(cmd *cobra.Command, opts options, args []string) (int32, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		// a crash must still be delivered when the config is broken
		fmt.Fprintf(os.Stderr, "using default configuration: %v\n", err)
		cfg = config.DefaultConfig()
		cfg.SetDefaults()
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	if opts.retries < 0 || opts.timeoutSeconds < 0 {
		return 0, fmt.Errorf("retries and timeout cannot be negative")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pid, rest := args[0], args[1:]
	forwarder := ipc.NewForwarder(forwarderConfig(cmd, cfg, opts), logger)
	fields := append([]string{ipc.CoreSubtypeELF, pid}, rest...)

	code, err := forwarder.Forward(ctx, os.Stdin, ipc.CoreTag, fields...)
	if err != nil {
		logger.Error("Failed to forward core dump", zap.String("pid", pid), zap.Error(err))
		return 0, err
	}
	if code != ipc.StatusOK {
		logger.Warn("Daemon failed to capture core dump", zap.String("pid", pid), zap.Int32("status", code))
	}
	return code, nil
}
