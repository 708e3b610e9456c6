package config

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete livefeed configuration
type Config struct {
	Identity Identity `yaml:"identity"`
	Storage  Storage  `yaml:"storage"`
	Relays   Relays   `yaml:"relays"`
	Feed     Feed     `yaml:"feed"`
	Server   Server   `yaml:"server"`
	Signal   Signal   `yaml:"signal"`
	Logging  Logging  `yaml:"logging"`
}

// Identity contains the signing key used for documents written by this node
type Identity struct {
	NodeKey string `yaml:"node_key"` // hex secret key; generated at startup when empty
}

// Storage contains document store backend settings
type Storage struct {
	Driver     string `yaml:"driver"` // sqlite|memory|relays
	SQLitePath string `yaml:"sqlite_path"`
	QueryLimit int    `yaml:"query_limit"` // max candidate events per collection read
}

// Relays contains remote relay settings, used when storage.driver is relays
type Relays struct {
	Seeds  []string    `yaml:"seeds"`
	Mirror bool        `yaml:"mirror"` // replicate a local store with the seeds
	Policy RelayPolicy `yaml:"policy"`
}

// RelayPolicy contains relay connection policies
type RelayPolicy struct {
	ConnectTimeoutMs int `yaml:"connect_timeout_ms"`
	DebounceMs       int `yaml:"debounce_ms"` // coalescing window for snapshot emission
}

// Feed contains aggregation engine settings
type Feed struct {
	PageSize           int `yaml:"page_size"`
	UrgentAfterMinutes int `yaml:"urgent_after_minutes"`
	TickSeconds        int `yaml:"tick_seconds"`         // re-merge interval for time-driven flags
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"` // idle engines are closed after this
	ProbeTTLSeconds    int `yaml:"probe_ttl_seconds"`    // session cache for one-shot interaction reads
}

// UrgentAfter returns the configured urgency threshold
func (f Feed) UrgentAfter() time.Duration {
	return time.Duration(f.UrgentAfterMinutes) * time.Minute
}

// Tick returns the re-merge interval
func (f Feed) Tick() time.Duration {
	return time.Duration(f.TickSeconds) * time.Second
}

// IdleTimeout returns how long an unused engine is kept alive
func (f Feed) IdleTimeout() time.Duration {
	return time.Duration(f.IdleTimeoutSeconds) * time.Second
}

// ProbeTTL returns the lifetime of cached interaction probes
func (f Feed) ProbeTTL() time.Duration {
	return time.Duration(f.ProbeTTLSeconds) * time.Second
}

// Server contains HTTP server settings
type Server struct {
	Enabled    bool   `yaml:"enabled"`
	Bind       string `yaml:"bind"`
	Port       int    `yaml:"port"`
	MountRelay bool   `yaml:"mount_relay"` // expose the local relay at /relay
}

// Addr returns the listen address
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Bind, s.Port)
}

// Signal contains redis fan-out settings
type Signal struct {
	Enabled       bool   `yaml:"enabled"`
	RedisURL      string `yaml:"redis_url"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Logging contains logging configuration
type Logging struct {
	Level      string `yaml:"level"`  // debug|info|warn|error
	Format     string `yaml:"format"` // text|json
	Path       string `yaml:"path"`   // empty for stdout
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// applyDefaults fills in missing configuration fields with sensible defaults
func applyDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaults.Storage.Driver
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = defaults.Storage.SQLitePath
	}
	if cfg.Storage.QueryLimit == 0 {
		cfg.Storage.QueryLimit = defaults.Storage.QueryLimit
	}

	if cfg.Relays.Policy.ConnectTimeoutMs == 0 {
		cfg.Relays.Policy.ConnectTimeoutMs = defaults.Relays.Policy.ConnectTimeoutMs
	}
	if cfg.Relays.Policy.DebounceMs == 0 {
		cfg.Relays.Policy.DebounceMs = defaults.Relays.Policy.DebounceMs
	}

	if cfg.Feed.PageSize == 0 {
		cfg.Feed.PageSize = defaults.Feed.PageSize
	}
	if cfg.Feed.UrgentAfterMinutes == 0 {
		cfg.Feed.UrgentAfterMinutes = defaults.Feed.UrgentAfterMinutes
	}
	if cfg.Feed.TickSeconds == 0 {
		cfg.Feed.TickSeconds = defaults.Feed.TickSeconds
	}
	if cfg.Feed.IdleTimeoutSeconds == 0 {
		cfg.Feed.IdleTimeoutSeconds = defaults.Feed.IdleTimeoutSeconds
	}
	if cfg.Feed.ProbeTTLSeconds == 0 {
		cfg.Feed.ProbeTTLSeconds = defaults.Feed.ProbeTTLSeconds
	}

	if cfg.Server.Bind == "" {
		cfg.Server.Bind = defaults.Server.Bind
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}

	if cfg.Signal.ChannelPrefix == "" {
		cfg.Signal.ChannelPrefix = defaults.Signal.ChannelPrefix
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = defaults.Logging.MaxSizeMB
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = defaults.Logging.MaxBackups
	}
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and overrides, and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults for missing fields
	applyDefaults(&cfg)

	// Apply environment variable overrides
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) error {
	if redisURL := os.Getenv("LIVEFEED_REDIS_URL"); redisURL != "" {
		cfg.Signal.RedisURL = redisURL
	}

	// Keys are kept out of config files where possible
	if key := os.Getenv("LIVEFEED_NODE_KEY"); key != "" {
		cfg.Identity.NodeKey = key
	}

	return nil
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Storage: Storage{
			Driver:     "sqlite",
			SQLitePath: "./data/livefeed.db",
			QueryLimit: 10000,
		},
		Relays: Relays{
			Seeds: []string{},
			Policy: RelayPolicy{
				ConnectTimeoutMs: 5000,
				DebounceMs:       50,
			},
		},
		Feed: Feed{
			PageSize:           20,
			UrgentAfterMinutes: 60,
			TickSeconds:        30,
			IdleTimeoutSeconds: 300,
			ProbeTTLSeconds:    900,
		},
		Server: Server{
			Enabled:    true,
			Bind:       "0.0.0.0",
			Port:       8080,
			MountRelay: true,
		},
		Signal: Signal{
			Enabled:       false,
			ChannelPrefix: "livefeed",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// validLogLevels defines allowed log levels
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validStorageDrivers defines allowed storage drivers
var validStorageDrivers = map[string]bool{
	"sqlite": true,
	"memory": true,
	"relays": true,
}

// Validate checks if a configuration is valid
func Validate(cfg *Config) error {
	if !validStorageDrivers[cfg.Storage.Driver] {
		return fmt.Errorf("invalid storage driver: %s (must be one of: sqlite, memory, relays)", cfg.Storage.Driver)
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path is required for the sqlite driver")
	}
	if cfg.Storage.QueryLimit < 1 {
		return fmt.Errorf("storage.query_limit must be positive")
	}

	// Relay seeds are only needed when the relays back or mirror the store
	if cfg.Storage.Driver == "relays" || cfg.Relays.Mirror {
		if len(cfg.Relays.Seeds) == 0 {
			return fmt.Errorf("at least one relay seed is required for the relays driver or mirroring")
		}
		for _, seed := range cfg.Relays.Seeds {
			if !strings.HasPrefix(seed, "wss://") && !strings.HasPrefix(seed, "ws://") {
				return fmt.Errorf("relay seed must start with ws:// or wss://: %s", seed)
			}
		}
	}

	if cfg.Feed.PageSize < 1 || cfg.Feed.PageSize > 500 {
		return fmt.Errorf("feed.page_size must be between 1 and 500")
	}
	if cfg.Feed.UrgentAfterMinutes < 1 {
		return fmt.Errorf("feed.urgent_after_minutes must be positive")
	}
	if cfg.Feed.TickSeconds < 1 {
		return fmt.Errorf("feed.tick_seconds must be positive")
	}

	if cfg.Server.Enabled && (cfg.Server.Port < 1 || cfg.Server.Port > 65535) {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	if cfg.Signal.Enabled && cfg.Signal.RedisURL == "" {
		return fmt.Errorf("signal.redis_url is required when signal.enabled is true")
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", cfg.Logging.Format)
	}

	return nil
}
