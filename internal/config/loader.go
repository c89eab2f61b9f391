package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync/atomic"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. FAULTD_COREDUMP_COMPRESSION
const EnvPrefix = "FAULTD"

// Load reads the YAML file at path, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setViperDefaults(v, DefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// setViperDefaults registers every key so AutomaticEnv can override it
func setViperDefaults(v *viper.Viper, d *Config) {
	defaults := map[string]any{
		"data_dir":                             d.DataDir,
		"tmp_dir":                              d.TmpDir,
		"enable_data_collection":               d.EnableDataCollection,
		"enable_dev_mode":                      d.EnableDevMode,
		"log_level":                            d.LogLevel,
		"device_serial":                        d.DeviceSerial,
		"hardware_version":                     d.HardwareVersion,
		"software_type":                        d.SoftwareType,
		"software_version":                     d.SoftwareVersion,
		"ipc.socket_path":                      d.IPC.SocketPath,
		"admin.listen_address":                 d.Admin.ListenAddress,
		"coredump.compression":                 d.Coredump.Compression,
		"coredump.coredump_max_size_kib":       d.Coredump.CoredumpMaxSizeKiB,
		"coredump.storage_max_usage_kib":       d.Coredump.StorageMaxUsageKiB,
		"coredump.storage_min_headroom_kib":    d.Coredump.StorageMinHeadroomKiB,
		"coredump.rate_limit_count":            d.Coredump.RateLimitCount,
		"coredump.rate_limit_duration_seconds": d.Coredump.RateLimitDurationSeconds,
		"coredump.core_pattern_path":           d.Coredump.CorePatternPath,
		"coredump.handler_path":                d.Coredump.HandlerPath,
		"reboot.last_reboot_reason_file":       d.Reboot.LastRebootReasonFile,
		"reboot.pstore_dir":                    d.Reboot.PstoreDir,
		"reboot.boot_id_path":                  d.Reboot.BootIDPath,
		"metrics.enabled":                      d.Metrics.Enabled,
		"metrics.interval_seconds":             d.Metrics.IntervalSeconds,
		"metrics.header_include_output_file":   d.Metrics.HeaderIncludeOutputFile,
		"metrics.footer_include_output_file":   d.Metrics.FooterIncludeOutputFile,
		"metrics.non_memfaultd_chain":          d.Metrics.NonMemfaultdChain,
		"metrics.write_http_url":               d.Metrics.WriteHTTPURL,
		"ota.enabled":                          d.OTA.Enabled,
		"ota.base_url":                         d.OTA.BaseURL,
		"ota.input_file":                       d.OTA.InputFile,
		"ota.output_file":                      d.OTA.OutputFile,
		"ota.tenant":                           d.OTA.Tenant,
		"ota.gateway_token":                    d.OTA.GatewayToken,
		"forwarder.retry_count":                d.Forwarder.RetryCount,
		"forwarder.reply_timeout_seconds":      d.Forwarder.ReplyTimeoutSeconds,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// YAML renders the effective configuration
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}

// Store holds the current configuration and swaps it atomically on reload
type Store struct {
	path    string
	current atomic.Pointer[Config]
}

// NewStore loads path into a new store
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(cfg)
	return s, nil
}

// NewStaticStore wraps an already built configuration
func NewStaticStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Get returns the current configuration. Callers must not modify it.
func (s *Store) Get() *Config {
	return s.current.Load()
}

// Set replaces the current configuration
func (s *Store) Set(cfg *Config) {
	s.current.Store(cfg)
}

// Path returns the file the store loads from
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads the file. The previous configuration stays active on error.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(cfg)
	return nil
}
