// Package config manages porygond configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete porygond configuration.
type Config struct {
	FTP     FTPConfig     `koanf:"ftp"`
	Scan    ScanConfig    `koanf:"scan"`
	Index   IndexConfig   `koanf:"index"`
	Store   StoreConfig   `koanf:"store"`
	Web     WebConfig     `koanf:"web"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Signals SignalsConfig `koanf:"signals"`
}

// FTPConfig holds the credentials and port used for both probing and walking.
type FTPConfig struct {
	// Port is the FTP control port probed on every host.
	Port int `koanf:"port"`
	// User is the login sent during probes and walks.
	User string `koanf:"user"`
	// Passwd is the password sent during probes and walks.
	Passwd string `koanf:"passwd"`
}

// ScanConfig holds the network sweep parameters.
type ScanConfig struct {
	// Network is the IPv4 CIDR swept on every scan iteration (e.g., "10.0.0.0/16").
	Network string `koanf:"network"`
	// Interval is the pause between two consecutive sweeps.
	Interval time.Duration `koanf:"interval"`
	// Timeout bounds a single probe from dial to login reply.
	Timeout time.Duration `koanf:"timeout"`
	// MaxTasks caps the number of concurrent probe sockets.
	MaxTasks int `koanf:"max_tasks"`
	// OfflineDelay is how long a host may stay offline before it is forgotten.
	OfflineDelay time.Duration `koanf:"offline_delay"`
}

// IndexConfig holds the per-host walk parameters.
type IndexConfig struct {
	// Interval is the minimum delay between two walks of the same host.
	Interval time.Duration `koanf:"interval"`
	// Timeout bounds a single FTP operation during a walk.
	Timeout time.Duration `koanf:"timeout"`
	// MaxTasks is the size of the walk worker pool.
	MaxTasks int `koanf:"max_tasks"`
	// MaxErrors is the transient-error budget of a single walk.
	MaxErrors int `koanf:"max_errors"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend names the store implementation. Only "sqlite" is supported.
	Backend string `koanf:"backend"`
	// ScanDB is the path of the host registry database file.
	ScanDB string `koanf:"scan_db"`
	// IndexDB is the path of the full-text file index database file.
	IndexDB string `koanf:"index_db"`
}

// WebConfig holds the read-only search API configuration.
type WebConfig struct {
	// Addr is the HTTP listen address for the search API (e.g., ":8080").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// SignalsConfig lists the signals that trigger a graceful stop.
// A second delivery of any of them escalates to a hard exit.
type SignalsConfig struct {
	Soft []string `koanf:"soft"`
}

// NetworkPrefix parses the configured CIDR as a masked netip.Prefix.
func (sc ScanConfig) NetworkPrefix() (netip.Prefix, error) {
	p, err := netip.ParsePrefix(sc.Network)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse scan network %q: %w", sc.Network, err)
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("scan network %q: %w", sc.Network, ErrNetworkNotIPv4)
	}
	return p.Masked(), nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The cadence defaults are the values the service has been operated with
// on small private networks: a sweep every 10 minutes, a re-walk of each
// host every 4 hours, and a 24-hour grace period before an offline host
// is forgotten.
func DefaultConfig() *Config {
	return &Config{
		FTP: FTPConfig{
			Port:   21,
			User:   "anonymous",
			Passwd: "anonymous@",
		},
		Scan: ScanConfig{
			Network:      "10.0.0.0/16",
			Interval:     10 * time.Minute,
			Timeout:      20 * time.Second,
			MaxTasks:     1000,
			OfflineDelay: 24 * time.Hour,
		},
		Index: IndexConfig{
			Interval:  4 * time.Hour,
			Timeout:   30 * time.Second,
			MaxTasks:  2,
			MaxErrors: 10,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			ScanDB:  "scan.db",
			IndexDB: "index.db",
		},
		Web: WebConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Signals: SignalsConfig{
			Soft: []string{"SIGINT", "SIGTERM"},
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for porygond configuration.
// Variables are named PORYGON_<section>_<key>, e.g., PORYGON_SCAN_NETWORK.
const envPrefix = "PORYGON_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (PORYGON_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	PORYGON_FTP_USER      -> ftp.user
//	PORYGON_SCAN_NETWORK  -> scan.network
//	PORYGON_STORE_SCAN_DB -> store.scan_db
//	PORYGON_LOG_LEVEL     -> log.level
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// PORYGON_SCAN_NETWORK -> scan.network (strip prefix, lowercase, first _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms PORYGON_SCAN_NETWORK -> scan.network.
// Strips the PORYGON_ prefix, lowercases, and replaces the first underscore
// with a dot; remaining underscores belong to the key (scan.max_tasks).
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"ftp.port":           defaults.FTP.Port,
		"ftp.user":           defaults.FTP.User,
		"ftp.passwd":         defaults.FTP.Passwd,
		"scan.network":       defaults.Scan.Network,
		"scan.interval":      defaults.Scan.Interval.String(),
		"scan.timeout":       defaults.Scan.Timeout.String(),
		"scan.max_tasks":     defaults.Scan.MaxTasks,
		"scan.offline_delay": defaults.Scan.OfflineDelay.String(),
		"index.interval":     defaults.Index.Interval.String(),
		"index.timeout":      defaults.Index.Timeout.String(),
		"index.max_tasks":    defaults.Index.MaxTasks,
		"index.max_errors":   defaults.Index.MaxErrors,
		"store.backend":      defaults.Store.Backend,
		"store.scan_db":      defaults.Store.ScanDB,
		"store.index_db":     defaults.Store.IndexDB,
		"web.addr":           defaults.Web.Addr,
		"metrics.addr":       defaults.Metrics.Addr,
		"metrics.path":       defaults.Metrics.Path,
		"log.level":          defaults.Log.Level,
		"log.format":         defaults.Log.Format,
		"signals.soft":       defaults.Signals.Soft,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidPort indicates the FTP port is out of range.
	ErrInvalidPort = errors.New("ftp.port must be between 1 and 65535")

	// ErrEmptyUser indicates the FTP user is empty.
	ErrEmptyUser = errors.New("ftp.user must not be empty")

	// ErrNetworkNotIPv4 indicates the scan network is not an IPv4 prefix.
	ErrNetworkNotIPv4 = errors.New("scan network must be an IPv4 prefix")

	// ErrInvalidScanInterval indicates the scan interval is not positive.
	ErrInvalidScanInterval = errors.New("scan.interval must be > 0")

	// ErrInvalidScanTimeout indicates the scan timeout is not positive.
	ErrInvalidScanTimeout = errors.New("scan.timeout must be > 0")

	// ErrInvalidMaxScanTasks indicates the probe concurrency cap is not positive.
	ErrInvalidMaxScanTasks = errors.New("scan.max_tasks must be >= 1")

	// ErrInvalidOfflineDelay indicates the offline grace period is not positive.
	ErrInvalidOfflineDelay = errors.New("scan.offline_delay must be > 0")

	// ErrInvalidIndexInterval indicates the walk interval is not positive.
	ErrInvalidIndexInterval = errors.New("index.interval must be > 0")

	// ErrInvalidIndexTimeout indicates the walk operation timeout is not positive.
	ErrInvalidIndexTimeout = errors.New("index.timeout must be > 0")

	// ErrInvalidMaxIndexTasks indicates the walk pool size is not positive.
	ErrInvalidMaxIndexTasks = errors.New("index.max_tasks must be >= 1")

	// ErrInvalidMaxIndexErrors indicates the walk error budget is negative.
	ErrInvalidMaxIndexErrors = errors.New("index.max_errors must be >= 0")

	// ErrUnknownBackend indicates the store backend name is not recognized.
	ErrUnknownBackend = errors.New(`store.backend must be "sqlite"`)

	// ErrEmptyStorePath indicates a store database path is empty.
	ErrEmptyStorePath = errors.New("store database paths must not be empty")

	// ErrUnknownSignal indicates a soft signal name is not recognized.
	ErrUnknownSignal = errors.New("unknown soft signal name")

	// ErrNoSoftSignals indicates the soft signal list is empty.
	ErrNoSoftSignals = errors.New("signals.soft must name at least one signal")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.FTP.Port < 1 || cfg.FTP.Port > 65535 {
		return ErrInvalidPort
	}

	if cfg.FTP.User == "" {
		return ErrEmptyUser
	}

	if _, err := cfg.Scan.NetworkPrefix(); err != nil {
		return err
	}

	if err := validateCadence(cfg); err != nil {
		return err
	}

	if cfg.Store.Backend != "sqlite" {
		return fmt.Errorf("store backend %q: %w", cfg.Store.Backend, ErrUnknownBackend)
	}

	if cfg.Store.ScanDB == "" || cfg.Store.IndexDB == "" {
		return ErrEmptyStorePath
	}

	return validateSignals(cfg.Signals.Soft)
}

// validateCadence checks the interval, timeout and concurrency settings.
func validateCadence(cfg *Config) error {
	switch {
	case cfg.Scan.Interval <= 0:
		return ErrInvalidScanInterval
	case cfg.Scan.Timeout <= 0:
		return ErrInvalidScanTimeout
	case cfg.Scan.MaxTasks < 1:
		return ErrInvalidMaxScanTasks
	case cfg.Scan.OfflineDelay <= 0:
		return ErrInvalidOfflineDelay
	case cfg.Index.Interval <= 0:
		return ErrInvalidIndexInterval
	case cfg.Index.Timeout <= 0:
		return ErrInvalidIndexTimeout
	case cfg.Index.MaxTasks < 1:
		return ErrInvalidMaxIndexTasks
	case cfg.Index.MaxErrors < 0:
		return ErrInvalidMaxIndexErrors
	}
	return nil
}

// validateSignals checks that every soft signal name is recognized.
func validateSignals(names []string) error {
	if len(names) == 0 {
		return ErrNoSoftSignals
	}
	for _, name := range names {
		if _, ok := SoftSignal(name); !ok {
			return fmt.Errorf("signal %q: %w", name, ErrUnknownSignal)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
