// Package config loads rootprobe configuration from a YAML file with koanf v2
// and writes starter files for `rootprobe config init`.
//
// Configuration is read from /etc/rootprobe/config.yaml by default. A missing
// file at the default path is not an error; every key has a default. The file
// may hold a NATS nkey seed, so it is written with 0600 permissions.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	goyaml "gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default location for the configuration file.
const DefaultConfigPath = "/etc/rootprobe/config.yaml"

// Defaults for optional keys.
const (
	DefaultEscalation      = "default"
	DefaultBackend         = "shell"
	DefaultShell           = "su"
	DefaultHelperSocket    = "/run/rootprobe/helper.sock"
	DefaultStorageDir      = "/var/lib/rootprobe"
	DefaultAssetDir        = "/usr/share/rootprobe/probes"
	DefaultCommandTimeout  = 5000
	DefaultProbeTimeout    = 10000
	DefaultMaxAsync        = 4
	DefaultHistoryLimit    = 200
	DefaultRecheckSchedule = "@every 5m"
	DefaultStatusAddr      = "127.0.0.1:9465"
	DefaultNATSSubject     = "rootprobe.driver"
)

// Config holds the rootprobe configuration.
// Fields are tagged for both koanf (loading) and yaml (saving).
type Config struct {
	// EscalationCommand is used by the bootstrapper for every privileged
	// command. "default" routes through the shared default session.
	EscalationCommand string `koanf:"escalation_command" yaml:"escalation_command"`

	// DefaultBackend backs the default session: "shell" or "helper".
	DefaultBackend string `koanf:"default_backend" yaml:"default_backend"`

	// DefaultShell is the escalation command of the persistent default shell.
	DefaultShell string `koanf:"default_shell" yaml:"default_shell"`

	// ShellInit commands run once when the persistent shell starts.
	ShellInit []string `koanf:"shell_init" yaml:"shell_init,omitempty"`

	// HelperSocket is the unix socket of rootprobe-helper.
	HelperSocket string `koanf:"helper_socket" yaml:"helper_socket"`

	// StorageDir is private storage for the staged probe and the history.
	StorageDir string `koanf:"storage_dir" yaml:"storage_dir"`

	// AssetDir holds probe_arm64 and probe_x64.
	AssetDir string `koanf:"asset_dir" yaml:"asset_dir"`

	// AssetURL, when set, replaces AssetDir with an HTTP download.
	AssetURL string `koanf:"asset_url" yaml:"asset_url,omitempty"`

	// ABI overrides CPU detection: "arm64" or "x86_64".
	ABI string `koanf:"abi" yaml:"abi,omitempty"`

	CommandTimeoutMs int `koanf:"command_timeout_ms" yaml:"command_timeout_ms"`
	ProbeTimeoutMs   int `koanf:"probe_timeout_ms" yaml:"probe_timeout_ms"`

	// MaxAsync bounds concurrently running background commands.
	MaxAsync int `koanf:"max_async" yaml:"max_async"`

	// LogLevel: "debug", "info", "warn", "error". Default: "info".
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// LogFormat: "json" or "text". Default: "text".
	LogFormat string `koanf:"log_format" yaml:"log_format"`

	// HistoryPath defaults to <storage_dir>/history.db.
	HistoryPath  string `koanf:"history_path" yaml:"history_path,omitempty"`
	HistoryLimit int    `koanf:"history_limit" yaml:"history_limit"`

	// RecheckSchedule is a cron expression for daemon re-probes.
	RecheckSchedule string `koanf:"recheck_schedule" yaml:"recheck_schedule"`

	// StatusAddr is the daemon's HTTP listener. Empty disables it.
	StatusAddr string `koanf:"status_addr" yaml:"status_addr"`

	// NATSServers is a comma-separated list of NATS server URLs.
	// If set, driver availability changes are published there.
	NATSServers  string `koanf:"nats_servers" yaml:"nats_servers,omitempty"`
	NATSNKeySeed string `koanf:"nats_nkey_seed" yaml:"nats_nkey_seed,omitempty"`
	NATSSubject  string `koanf:"nats_subject" yaml:"nats_subject"`
}

// Validation errors returned by Load.
var (
	ErrInvalidTimeout  = errors.New("command_timeout_ms and probe_timeout_ms must be positive")
	ErrInvalidBackend  = errors.New(`default_backend must be "shell" or "helper"`)
	ErrInvalidMaxAsync = errors.New("max_async must be positive")
	ErrInvalidABI      = errors.New(`abi must be "arm64" or "x86_64"`)
	ErrInvalidFormat   = errors.New(`log_format must be "json" or "text"`)
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{StatusAddr: DefaultStatusAddr}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from the specified YAML file path, applies
// defaults and validates the result. A missing file at DefaultConfigPath
// yields Default.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == DefaultConfigPath {
		return Default(), nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// An explicit empty status_addr disables the listener.
	if !k.Exists("status_addr") {
		cfg.StatusAddr = DefaultStatusAddr
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults sets default values for optional configuration fields.
// Negative numbers are left alone so validate can reject them.
func (c *Config) applyDefaults() {
	if c.EscalationCommand == "" {
		c.EscalationCommand = DefaultEscalation
	}
	if c.DefaultBackend == "" {
		c.DefaultBackend = DefaultBackend
	}
	if c.DefaultShell == "" {
		c.DefaultShell = DefaultShell
	}
	if c.HelperSocket == "" {
		c.HelperSocket = DefaultHelperSocket
	}
	if c.StorageDir == "" {
		c.StorageDir = DefaultStorageDir
	}
	if c.AssetDir == "" {
		c.AssetDir = DefaultAssetDir
	}
	if c.CommandTimeoutMs == 0 {
		c.CommandTimeoutMs = DefaultCommandTimeout
	}
	if c.ProbeTimeoutMs == 0 {
		c.ProbeTimeoutMs = DefaultProbeTimeout
	}
	if c.MaxAsync == 0 {
		c.MaxAsync = DefaultMaxAsync
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.HistoryPath == "" {
		c.HistoryPath = filepath.Join(c.StorageDir, "history.db")
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.RecheckSchedule == "" {
		c.RecheckSchedule = DefaultRecheckSchedule
	}
	if c.NATSSubject == "" {
		c.NATSSubject = DefaultNATSSubject
	}
}

// validate checks that configuration values are usable.
func (c *Config) validate() error {
	if c.CommandTimeoutMs <= 0 || c.ProbeTimeoutMs <= 0 {
		return ErrInvalidTimeout
	}
	if c.DefaultBackend != "shell" && c.DefaultBackend != "helper" {
		return ErrInvalidBackend
	}
	if c.MaxAsync <= 0 {
		return ErrInvalidMaxAsync
	}
	switch strings.ToLower(c.ABI) {
	case "", "arm64", "x86_64":
	default:
		return ErrInvalidABI
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return ErrInvalidFormat
	}
	return nil
}

// Save writes the configuration to the specified YAML file path with 0600
// permissions.
func Save(path string, cfg *Config) error {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}

	return nil
}

// CommandTimeout is the advisory timeout for privileged commands.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMs) * time.Millisecond
}

// ProbeTimeout is the timeout of the probe invocation.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

// NATSEnabled returns true if NATS servers are configured.
func (c *Config) NATSEnabled() bool {
	return c.NATSServers != ""
}

// NATSServerList splits NATSServers on commas.
func (c *Config) NATSServerList() []string {
	var servers []string
	for _, s := range strings.Split(c.NATSServers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	return servers
}
