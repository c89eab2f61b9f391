// Package config defines the daemon configuration and loads it with viper.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

const (
	// DefaultConfigPath is the system configuration file
	DefaultConfigPath = "/etc/faultd.conf"

	// DefaultSocketPath is the control socket shared by the daemon and the core handler
	DefaultSocketPath = "/tmp/memfault-ipc.sock"

	// SDKVersion is reported in every core dump metadata note
	SDKVersion = "1.4.0"
)

// Config is the complete daemon configuration
type Config struct {
	// DataDir holds persisted state and captured artifacts
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// TmpDir holds scratch files; defaults to DataDir
	TmpDir string `mapstructure:"tmp_dir" yaml:"tmp_dir"`

	EnableDataCollection bool   `mapstructure:"enable_data_collection" yaml:"enable_data_collection"`
	EnableDevMode        bool   `mapstructure:"enable_dev_mode" yaml:"enable_dev_mode"`
	LogLevel             string `mapstructure:"log_level" yaml:"log_level"`

	DeviceSerial    string `mapstructure:"device_serial" yaml:"device_serial"`
	HardwareVersion string `mapstructure:"hardware_version" yaml:"hardware_version"`
	SoftwareType    string `mapstructure:"software_type" yaml:"software_type"`
	SoftwareVersion string `mapstructure:"software_version" yaml:"software_version"`

	IPC       IPCConfig       `mapstructure:"ipc" yaml:"ipc"`
	Admin     AdminConfig     `mapstructure:"admin" yaml:"admin"`
	Coredump  CoredumpConfig  `mapstructure:"coredump" yaml:"coredump"`
	Reboot    RebootConfig    `mapstructure:"reboot" yaml:"reboot"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	OTA       OTAConfig       `mapstructure:"ota" yaml:"ota"`
	Forwarder ForwarderConfig `mapstructure:"forwarder" yaml:"forwarder"`
}

// IPCConfig configures the control socket
type IPCConfig struct {
	SocketPath string `mapstructure:"socket_path" yaml:"socket_path"`
}

// AdminConfig configures the loopback admin endpoint. An empty address disables it.
type AdminConfig struct {
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
}

// CoredumpConfig configures core dump capture
type CoredumpConfig struct {
	// Compression is "gzip" or "none"
	Compression string `mapstructure:"compression" yaml:"compression"`

	CoredumpMaxSizeKiB    uint64 `mapstructure:"coredump_max_size_kib" yaml:"coredump_max_size_kib"`
	StorageMaxUsageKiB    uint64 `mapstructure:"storage_max_usage_kib" yaml:"storage_max_usage_kib"`
	StorageMinHeadroomKiB uint64 `mapstructure:"storage_min_headroom_kib" yaml:"storage_min_headroom_kib"`

	RateLimitCount           int `mapstructure:"rate_limit_count" yaml:"rate_limit_count"`
	RateLimitDurationSeconds int `mapstructure:"rate_limit_duration_seconds" yaml:"rate_limit_duration_seconds"`

	CorePatternPath string `mapstructure:"core_pattern_path" yaml:"core_pattern_path"`
	HandlerPath     string `mapstructure:"handler_path" yaml:"handler_path"`
}

// RebootConfig configures reboot reason tracking
type RebootConfig struct {
	LastRebootReasonFile string `mapstructure:"last_reboot_reason_file" yaml:"last_reboot_reason_file"`
	PstoreDir            string `mapstructure:"pstore_dir" yaml:"pstore_dir"`
	BootIDPath           string `mapstructure:"boot_id_path" yaml:"boot_id_path"`
}

// MetricsConfig configures the generated collectd include files
type MetricsConfig struct {
	Enabled                 bool   `mapstructure:"enabled" yaml:"enabled"`
	IntervalSeconds         int    `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	HeaderIncludeOutputFile string `mapstructure:"header_include_output_file" yaml:"header_include_output_file"`
	FooterIncludeOutputFile string `mapstructure:"footer_include_output_file" yaml:"footer_include_output_file"`
	NonMemfaultdChain       string `mapstructure:"non_memfaultd_chain" yaml:"non_memfaultd_chain"`
	WriteHTTPURL            string `mapstructure:"write_http_url" yaml:"write_http_url"`
}

// OTAConfig configures the generated swupdate configuration
type OTAConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	InputFile    string `mapstructure:"input_file" yaml:"input_file"`
	OutputFile   string `mapstructure:"output_file" yaml:"output_file"`
	Tenant       string `mapstructure:"tenant" yaml:"tenant"`
	GatewayToken string `mapstructure:"gateway_token" yaml:"gateway_token"`
}

// ForwarderConfig holds the core handler defaults
type ForwarderConfig struct {
	RetryCount          int `mapstructure:"retry_count" yaml:"retry_count"`
	ReplyTimeoutSeconds int `mapstructure:"reply_timeout_seconds" yaml:"reply_timeout_seconds"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DataDir:  "/media/memfault",
		LogLevel: "info",
		IPC: IPCConfig{
			SocketPath: DefaultSocketPath,
		},
		Admin: AdminConfig{
			ListenAddress: "127.0.0.1:8787",
		},
		Coredump: CoredumpConfig{
			Compression:              "gzip",
			CoredumpMaxSizeKiB:       96000,
			StorageMaxUsageKiB:       0,
			StorageMinHeadroomKiB:    10240,
			RateLimitCount:           5,
			RateLimitDurationSeconds: 3600,
			CorePatternPath:          "/proc/sys/kernel/core_pattern",
			HandlerPath:              "/usr/sbin/faultd-core-handler",
		},
		Reboot: RebootConfig{
			PstoreDir:  "/sys/fs/pstore",
			BootIDPath: "/proc/sys/kernel/random/boot_id",
		},
		Metrics: MetricsConfig{
			IntervalSeconds:         3600,
			HeaderIncludeOutputFile: "/tmp/collectd-header-include.conf",
			FooterIncludeOutputFile: "/tmp/collectd-footer-include.conf",
			WriteHTTPURL:            "http://127.0.0.1:8787/v1/collectd",
		},
		OTA: OTAConfig{
			BaseURL:    "https://device.memfault.com",
			InputFile:  "/etc/swupdate.cfg",
			OutputFile: "/tmp/swupdate.cfg",
			Tenant:     "default",
		},
		Forwarder: ForwarderConfig{
			RetryCount:          10,
			ReplyTimeoutSeconds: 60,
		},
	}
}

// SetDefaults applies default values to unset fields
func (c *Config) SetDefaults() {
	d := DefaultConfig()

	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.TmpDir == "" {
		c.TmpDir = c.DataDir
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.IPC.SocketPath == "" {
		c.IPC.SocketPath = d.IPC.SocketPath
	}
	if c.Coredump.Compression == "" {
		c.Coredump.Compression = d.Coredump.Compression
	}
	if c.Coredump.CorePatternPath == "" {
		c.Coredump.CorePatternPath = d.Coredump.CorePatternPath
	}
	if c.Coredump.HandlerPath == "" {
		c.Coredump.HandlerPath = d.Coredump.HandlerPath
	}
	if c.Reboot.PstoreDir == "" {
		c.Reboot.PstoreDir = d.Reboot.PstoreDir
	}
	if c.Reboot.BootIDPath == "" {
		c.Reboot.BootIDPath = d.Reboot.BootIDPath
	}
	if c.Metrics.IntervalSeconds == 0 {
		c.Metrics.IntervalSeconds = d.Metrics.IntervalSeconds
	}
	if c.Metrics.HeaderIncludeOutputFile == "" {
		c.Metrics.HeaderIncludeOutputFile = d.Metrics.HeaderIncludeOutputFile
	}
	if c.Metrics.FooterIncludeOutputFile == "" {
		c.Metrics.FooterIncludeOutputFile = d.Metrics.FooterIncludeOutputFile
	}
	if c.OTA.OutputFile == "" {
		c.OTA.OutputFile = d.OTA.OutputFile
	}
	if c.OTA.Tenant == "" {
		c.OTA.Tenant = d.OTA.Tenant
	}
	if c.Forwarder.ReplyTimeoutSeconds == 0 {
		c.Forwarder.ReplyTimeoutSeconds = d.Forwarder.ReplyTimeoutSeconds
	}
}

// Validate performs configuration validation
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("data_dir must be an absolute path, got %q", c.DataDir)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", c.LogLevel)
	}

	if c.IPC.SocketPath == "" {
		return fmt.Errorf("ipc.socket_path cannot be empty")
	}

	switch c.Coredump.Compression {
	case "gzip", "none":
	default:
		return fmt.Errorf("coredump.compression must be gzip or none, got %q", c.Coredump.Compression)
	}

	if c.Coredump.RateLimitCount < 0 {
		return fmt.Errorf("coredump.rate_limit_count cannot be negative, got %d", c.Coredump.RateLimitCount)
	}
	if c.Coredump.RateLimitDurationSeconds < 0 {
		return fmt.Errorf("coredump.rate_limit_duration_seconds cannot be negative, got %d", c.Coredump.RateLimitDurationSeconds)
	}

	if c.Metrics.IntervalSeconds <= 0 {
		return fmt.Errorf("metrics.interval_seconds must be positive, got %d", c.Metrics.IntervalSeconds)
	}

	if c.Forwarder.RetryCount < 0 {
		return fmt.Errorf("forwarder.retry_count cannot be negative, got %d", c.Forwarder.RetryCount)
	}
	if c.Forwarder.ReplyTimeoutSeconds <= 0 {
		return fmt.Errorf("forwarder.reply_timeout_seconds must be positive, got %d", c.Forwarder.ReplyTimeoutSeconds)
	}

	return nil
}

// CoreDir is where captured core dumps are written
func (c *Config) CoreDir() string {
	return filepath.Join(c.DataDir, "core")
}

// QueueDir is where the upload queue database lives
func (c *Config) QueueDir() string {
	return filepath.Join(c.DataDir, "queue")
}

// StatePath returns the path of a small persisted state file
func (c *Config) StatePath(name string) string {
	return filepath.Join(c.DataDir, name)
}

// RateLimitWindow returns the coredump rate limiting window
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.Coredump.RateLimitDurationSeconds) * time.Second
}

// ReplyTimeout returns the forwarder reply timeout
func (c *Config) ReplyTimeout() time.Duration {
	return time.Duration(c.Forwarder.ReplyTimeoutSeconds) * time.Second
}
