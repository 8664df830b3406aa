package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/cruciblehq/packd/internal/paths"
)

// Containerd holds the connection settings for the container backend.
type Containerd struct {
	Address     string `toml:"address"`
	Namespace   string `toml:"namespace"`
	Snapshotter string `toml:"snapshotter"`
}

// Daemon holds listener settings.
type Daemon struct {
	Socket         string `toml:"socket"`
	MetricsAddress string `toml:"metrics_address"` // Empty disables /metrics.
}

// Cache holds layer cache settings.
type Cache struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Config is the complete daemon configuration.
type Config struct {
	Containerd Containerd `toml:"containerd"`
	Daemon     Daemon     `toml:"daemon"`
	Cache      Cache      `toml:"cache"`
}

var ErrInvalidConfig = errors.New("invalid configuration")

// Environment variables that override file values.
const (
	envContainerdAddress = "PACKD_CONTAINERD_ADDRESS"
	envNamespace         = "PACKD_CONTAINERD_NAMESPACE"
	envSnapshotter       = "PACKD_SNAPSHOTTER"
	envSocket            = "PACKD_SOCKET"
	envMetricsAddress    = "PACKD_METRICS_ADDRESS"
	envCachePath         = "PACKD_CACHE_PATH"
	envCacheEnabled      = "PACKD_CACHE_ENABLED"
)

// Load reads the config file at path (or the default location when path is
// empty), applies environment overrides, and validates the result. It
// returns the config, the resolved file path, and whether the file existed.
func Load(path string) (*Config, string, bool, error) {
	if path == "" {
		path = paths.ConfigFile()
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, path, false, err
	}

	cfg := Default()
	exists := true

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		exists = false
	case err != nil:
		return nil, path, false, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, path, true, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, path, exists, err
	}

	return &cfg, path, exists, nil
}

// Loads KEY=VALUE pairs from a dotenv file without overriding variables that
// are already set. A missing file is ignored.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	override(&c.Containerd.Address, envContainerdAddress)
	override(&c.Containerd.Namespace, envNamespace)
	override(&c.Containerd.Snapshotter, envSnapshotter)
	override(&c.Daemon.Socket, envSocket)
	override(&c.Daemon.MetricsAddress, envMetricsAddress)
	override(&c.Cache.Path, envCachePath)

	if v, ok := os.LookupEnv(envCacheEnabled); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "0", "false", "no", "off":
			c.Cache.Enabled = false
		case "1", "true", "yes", "on":
			c.Cache.Enabled = true
		}
	}
}

// Fills blank fields with defaults so a partial file behaves like a full one.
func (c *Config) normalize() {
	d := Default()
	if c.Containerd.Address == "" {
		c.Containerd.Address = d.Containerd.Address
	}
	if c.Containerd.Namespace == "" {
		c.Containerd.Namespace = d.Containerd.Namespace
	}
	if c.Containerd.Snapshotter == "" {
		c.Containerd.Snapshotter = d.Containerd.Snapshotter
	}
	if c.Daemon.Socket == "" {
		c.Daemon.Socket = d.Daemon.Socket
	}
	if c.Cache.Path == "" {
		c.Cache.Path = d.Cache.Path
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Containerd.Address, "/") {
		return fmt.Errorf("%w: containerd.address must be an absolute socket path, got %q", ErrInvalidConfig, c.Containerd.Address)
	}
	if strings.ContainsAny(c.Containerd.Namespace, " /") {
		return fmt.Errorf("%w: containerd.namespace %q contains invalid characters", ErrInvalidConfig, c.Containerd.Namespace)
	}
	if !strings.HasPrefix(c.Daemon.Socket, "/") {
		return fmt.Errorf("%w: daemon.socket must be absolute, got %q", ErrInvalidConfig, c.Daemon.Socket)
	}
	if c.Cache.Enabled && c.Cache.Path == "" {
		return fmt.Errorf("%w: cache.path is required when the cache is enabled", ErrInvalidConfig)
	}
	return nil
}

// Encode renders the config as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}
