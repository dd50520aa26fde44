// Package config provides YAML-based configuration loading for a mesh node.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // AppName optional logical name of the node/application
    AppName string `mapstructure:"app_name"`

    // DataDir base directory for persistent module configuration
    DataDir string `mapstructure:"data_dir"`

    // NodeID is the local mesh address; 0 is reserved for broadcast
    NodeID uint16 `mapstructure:"node_id"`

    Mesh    MeshConfig    `mapstructure:"mesh"`
    Modules ModulesConfig `mapstructure:"modules"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Transports list to configure multiple inbound/outbound links
    Transports []TransportConfig `mapstructure:"transports"`

    // Net holds dial/backoff options
    Net NetConfig `mapstructure:"net"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName: "fruitymesh-node",
        DataDir: "./data",
        NodeID:  1,
        Mesh:    DefaultMesh(),
        Modules: DefaultModules(),
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/fruitymesh.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Transports: []TransportConfig{
            {
                Kind:   "udp",
                Listen: []string{":7777"},
            },
        },
        Net: NetConfig{DialBackoffInitialMS: 500, DialBackoffMaxMS: 30000, DialBackoffJitterMS: 100},
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix FRUITYMESH and `.`/`-` are replaced with `_`.
// Example: FRUITYMESH_MESH_MTU=120
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("FRUITYMESH")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("data_dir", cfg.DataDir)
    v.SetDefault("node_id", cfg.NodeID)
    v.SetDefault("mesh.mtu", cfg.Mesh.MTU)
    v.SetDefault("mesh.tick_interval_ms", cfg.Mesh.TickIntervalMS)
    v.SetDefault("mesh.dedup_ttl_ms", cfg.Mesh.DedupTTLMS)
    v.SetDefault("mesh.dedup_capacity", cfg.Mesh.DedupCapacity)
    v.SetDefault("mesh.outbound_queue", cfg.Mesh.OutboundQueue)
    v.SetDefault("mesh.outbound_rate_bytes", cfg.Mesh.OutboundRateBytes)
    v.SetDefault("mesh.link_queue", cfg.Mesh.LinkQueue)
    v.SetDefault("mesh.stats_ttl_ms", cfg.Mesh.StatsTTLMS)
    v.SetDefault("modules.enabled", cfg.Modules.Enabled)
    v.SetDefault("modules.arena_bytes", cfg.Modules.ArenaBytes)
    v.SetDefault("modules.ping_timeout_ms", cfg.Modules.PingTimeoutMS)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    // Transports default
    v.SetDefault("transports", cfg.Transports)
    // Net defaults
    v.SetDefault("net.dial_backoff_initial_ms", cfg.Net.DialBackoffInitialMS)
    v.SetDefault("net.dial_backoff_max_ms", cfg.Net.DialBackoffMaxMS)
    v.SetDefault("net.dial_backoff_jitter_ms", cfg.Net.DialBackoffJitterMS)

    // Choose config file
    if path == "" {
        // Allow override via env var
        if envPath := os.Getenv("FRUITYMESH_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        // Search common locations with base name `fruitymesh`
        v.SetConfigName("fruitymesh")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".fruitymesh"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var viperConfigFileNotFound viper.ConfigFileNotFoundError
        if !errors.As(err, &viperConfigFileNotFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    // decode into a zero value: viper already holds the defaults, and
    // decoding over Default() would merge YAML lists into the default lists
    cfg = &Config{}
    if err := v.Unmarshal(cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }

    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }
    if c.NodeID == 0 {
        return errors.New("invalid node_id: 0 is the broadcast address")
    }
    if err := c.Mesh.validate(); err != nil {
        return err
    }
    if err := c.Modules.validate(); err != nil {
        return err
    }
    for i := range c.Transports {
        c.Transports[i].Kind = strings.ToLower(strings.TrimSpace(c.Transports[i].Kind))
        if c.Transports[i].Kind == "" {
            return fmt.Errorf("transports[%d]: kind is required", i)
        }
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
