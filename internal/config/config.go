package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/kidfromjupiter/nearby/internal/ble/protocol"
	"github.com/kidfromjupiter/nearby/internal/pairing"
)

// EnvPrefix prefixes every environment override, e.g. FASTPAIR_LOG_LEVEL.
const EnvPrefix = "FASTPAIR_"

// Config holds all application configuration.
type Config struct {
	LogLevel string        `yaml:"log_level" env:"LOG_LEVEL"`
	Store    StoreConfig   `yaml:"store" envPrefix:"STORE_"`
	Pairing  PairingConfig `yaml:"pairing" envPrefix:"PAIRING_"`
	Scan     ScanConfig    `yaml:"scan" envPrefix:"SCAN_"`
	Models   []ModelConfig `yaml:"models"`
}

// StoreConfig selects the account key store.
type StoreConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"` // "bolt", "sqlite" or "memory"
	Path    string `yaml:"path" env:"PATH"`
}

// PairingConfig holds handshake timeouts and the retry and admission policy.
type PairingConfig struct {
	ResponseTimeout time.Duration `yaml:"response_timeout" env:"RESPONSE_TIMEOUT"`
	AckTimeout      time.Duration `yaml:"ack_timeout" env:"ACK_TIMEOUT"`
	MaxAttempts     int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BackoffBase     time.Duration `yaml:"backoff_base" env:"BACKOFF_BASE"`
	BackoffMax      time.Duration `yaml:"backoff_max" env:"BACKOFF_MAX"`
	BackoffJitter   float64       `yaml:"backoff_jitter" env:"BACKOFF_JITTER"`
	MaxConcurrent   int           `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	MinRSSI         int           `yaml:"min_rssi" env:"MIN_RSSI"`
	Cooldown        time.Duration `yaml:"cooldown" env:"COOLDOWN"`
	AutoPair        bool          `yaml:"auto_pair" env:"AUTO_PAIR"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ModelConfig registers one device model and its anti-spoofing secret,
// both hex encoded.
type ModelConfig struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "fastpair-seeker")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	storePath := filepath.Join(home, ".local", "share", "fastpair-seeker", "keys.db")

	d := pairing.DefaultDriverConfig()
	return &Config{
		LogLevel: "info",
		Store: StoreConfig{
			Backend: "bolt",
			Path:    storePath,
		},
		Pairing: PairingConfig{
			ResponseTimeout: d.ResponseTimeout,
			AckTimeout:      d.AckTimeout,
			MaxAttempts:     d.MaxAttempts,
			BackoffBase:     d.Backoff.Base,
			BackoffMax:      d.Backoff.Max,
			BackoffJitter:   d.Backoff.Jitter,
			MaxConcurrent:   d.MaxConcurrent,
			MinRSSI:         d.MinRSSI,
			Cooldown:        d.Cooldown,
		},
		Scan: ScanConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file, then applies FASTPAIR_
// environment overrides. Missing fields are filled with defaults. Tilde (~)
// in store.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays FASTPAIR_ environment variables onto cfg. Unset
// variables leave the current value alone.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	cfg.Store.Path = expandTilde(cfg.Store.Path)
	return nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Store.Backend {
	case "memory":
	case "bolt", "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path must not be empty for the %s backend", c.Store.Backend)
		}
	default:
		return fmt.Errorf("store.backend must be \"bolt\", \"sqlite\" or \"memory\", got %q", c.Store.Backend)
	}

	p := c.Pairing
	if p.ResponseTimeout <= 0 {
		return errors.New("pairing.response_timeout must be > 0")
	}
	if p.AckTimeout <= 0 {
		return errors.New("pairing.ack_timeout must be > 0")
	}
	if p.MaxAttempts < 1 {
		return errors.New("pairing.max_attempts must be >= 1")
	}
	if p.BackoffBase <= 0 {
		return errors.New("pairing.backoff_base must be > 0")
	}
	if p.BackoffMax != 0 && p.BackoffMax < p.BackoffBase {
		return errors.New("pairing.backoff_max must be >= pairing.backoff_base")
	}
	if p.BackoffJitter < 0 || p.BackoffJitter > 1 {
		return fmt.Errorf("pairing.backoff_jitter must be within [0, 1], got %v", p.BackoffJitter)
	}
	if p.MaxConcurrent < 0 {
		return errors.New("pairing.max_concurrent must be >= 0")
	}
	if p.MinRSSI > 0 {
		return fmt.Errorf("pairing.min_rssi must be <= 0 dBm, got %d", p.MinRSSI)
	}
	if p.Cooldown < 0 {
		return errors.New("pairing.cooldown must be >= 0")
	}

	if c.Scan.Timeout <= 0 {
		return errors.New("scan.timeout must be > 0")
	}

	if _, err := c.Registry(); err != nil {
		return err
	}
	return nil
}

// DriverConfig converts the pairing section for pairing.NewDriver.
func (c *Config) DriverConfig() pairing.DriverConfig {
	d := pairing.DefaultDriverConfig()
	d.ResponseTimeout = c.Pairing.ResponseTimeout
	d.AckTimeout = c.Pairing.AckTimeout
	d.MaxAttempts = c.Pairing.MaxAttempts
	d.Backoff = pairing.Backoff{
		Base:   c.Pairing.BackoffBase,
		Max:    c.Pairing.BackoffMax,
		Jitter: c.Pairing.BackoffJitter,
	}
	d.MaxConcurrent = c.Pairing.MaxConcurrent
	d.MinRSSI = c.Pairing.MinRSSI
	d.Cooldown = c.Pairing.Cooldown
	return d
}

// Registry builds the model registry from the models section.
func (c *Config) Registry() (*pairing.StaticModels, error) {
	m := pairing.NewStaticModels()
	seen := make(map[protocol.ModelID]bool, len(c.Models))
	for i, mc := range c.Models {
		id, err := protocol.ParseModelID(mc.ID)
		if err != nil {
			return nil, fmt.Errorf("models[%d].id: %w", i, err)
		}
		if seen[id] {
			return nil, fmt.Errorf("models[%d].id %s is listed twice", i, id)
		}
		seen[id] = true
		if err := m.AddHex(mc.ID, mc.Secret); err != nil {
			return nil, fmt.Errorf("models[%d]: %w", i, err)
		}
	}
	return m, nil
}

// SlogLevel maps log_level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultTemplate = `# fastpair-seeker configuration
# Every value can be overridden with a FASTPAIR_ environment variable,
# e.g. FASTPAIR_PAIRING_MAX_ATTEMPTS=5.

log_level: info

store:
  backend: bolt # bolt, sqlite or memory
  path: ~/.local/share/fastpair-seeker/keys.db

pairing:
  response_timeout: 10s
  ack_timeout: 10s
  max_attempts: 3
  backoff_base: 1s
  backoff_max: 30s
  backoff_jitter: 0.25
  max_concurrent: 2
  min_rssi: -90
  cooldown: 1m
  auto_pair: false

scan:
  timeout: 10s

# Device models to pair with. Both fields are hex.
models: []
#  - id: "0x00000C"
#    secret: "..."
`

// WriteDefault writes a commented default config to DefaultConfigPath. It
// returns ("", nil) when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
