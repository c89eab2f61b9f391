package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yairfalse/faultd/internal/config"
	"github.com/yairfalse/faultd/internal/daemon"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "faultd",
		Short: "Device fault collection daemon",
		Long: `faultd captures core dumps of crashing processes, records why the device
rebooted and manages the collectd and swupdate configuration on the device.

The kernel hands crashing processes to faultd-core-handler, which forwards them
to this daemon over a local control socket.`,
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), v)
		},
	}

	rootCmd.PersistentFlags().String("config", config.DefaultConfigPath, "Path to configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Initial log level (debug, info, warn, error); defaults to log_level from the config")
	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()

	rootCmd.AddCommand(newShowSettingsCommand(v), newVersionCommand())
	return rootCmd
}

// loadStore reads the configuration and applies the --log-level override
func loadStore(v *viper.Viper) (*config.Store, error) {
	store, err := config.NewStore(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if level := v.GetString("log_level"); level != "" && level != store.Get().LogLevel {
		cfg := *store.Get()
		cfg.LogLevel = level
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		store.Set(&cfg)
	}
	return store, nil
}

func runDaemon(ctx context.Context, v *viper.Viper) error {
	store, err := loadStore(v)
	if err != nil {
		return err
	}

	logger, level, err := daemon.NewLogger(store.Get().LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting faultd",
		zap.String("version", version),
		zap.String("config", store.Path()))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, store, daemon.Options{
		Version:  version,
		Logger:   logger,
		LogLevel: level,
	})
	if err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return d.Run(ctx)
}

func newShowSettingsCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show-settings",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadStore(v)
			if err != nil {
				return err
			}
			out, err := store.Get().YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "faultd %s (sdk %s)\n", version, config.SDKVersion)
		},
	}
}
