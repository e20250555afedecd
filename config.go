package tinyids

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Default configuration file locations.
const (
	DefaultServerConfigPath = "/etc/tinyids/tinyidsd.yaml"
	DefaultClientConfigPath = "/etc/tinyids/tinyids.yaml"
)

// Environment variable prefixes. ServerConfig.ReadTimeout is overridden by
// TINYIDSD_READ_TIMEOUT, ServerConfig.Store.Dir by TINYIDSD_STORE_DIR.
const (
	serverEnvPrefix = "TINYIDSD"
	clientEnvPrefix = "TINYIDS"
)

// LogConfig controls logger construction.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	// Debug forces stderr output at debug level; set from the command line.
	Debug bool `yaml:"-" ignored:"true"`
}

// StoreConfig selects the fingerprint store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

// KeyConfig controls the server key pair. With Enabled false requests and
// responses travel in plaintext.
type KeyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Bits    int    `yaml:"bits"`
}

// RateLimitConfig bounds accepted connections per client address.
// PerSecond <= 0 disables limiting.
type RateLimitConfig struct {
	PerSecond float64       `yaml:"per_second" split_words:"true"`
	Burst     int           `yaml:"burst"`
	IdleTTL   time.Duration `yaml:"idle_ttl" split_words:"true"`
}

// ServerConfig is the configuration of tinyidsd.
type ServerConfig struct {
	ListenAddress   string          `yaml:"listen_address" split_words:"true"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration   `yaml:"write_timeout" split_words:"true"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" split_words:"true"`
	MetricsAddress  string          `yaml:"metrics_address" split_words:"true"`
	User            string          `yaml:"user"`
	Group           string          `yaml:"group"`
	Store           StoreConfig     `yaml:"store"`
	Keys            KeyConfig       `yaml:"keys"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" split_words:"true"`
	Log             LogConfig       `yaml:"log"`

	Passphrase PassphraseParams `yaml:"passphrase" ignored:"true"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddress:   net.JoinHostPort("0.0.0.0", strconv.Itoa(DefaultPort)),
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Store: StoreConfig{
			Backend: BackendFile,
			Dir:     "/var/lib/tinyids",
		},
		Keys: KeyConfig{
			Enabled: true,
			Dir:     "/var/lib/tinyids/keys",
			Bits:    DefaultKeyBits,
		},
		RateLimit: RateLimitConfig{
			PerSecond: 5,
			Burst:     20,
			IdleTTL:   10 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
			File:  "/var/log/tinyids/tinyidsd.log",
		},
		Passphrase: DefaultPassphraseParams,
	}
}

// Validate reports every problem with c at once.
func (c ServerConfig) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		errs = append(errs, fmt.Errorf("listen_address: %w", err))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, errors.New("read_timeout must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write_timeout must be positive"))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("shutdown_timeout must not be negative"))
	}
	if c.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddress); err != nil {
			errs = append(errs, fmt.Errorf("metrics_address: %w", err))
		}
	}
	switch strings.ToLower(c.Store.Backend) {
	case "", BackendFile, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	if c.Store.Dir == "" {
		errs = append(errs, errors.New("store.dir is required"))
	}
	if c.Keys.Enabled {
		if c.Keys.Dir == "" {
			errs = append(errs, errors.New("keys.dir is required when keys are enabled"))
		}
		if c.Keys.Bits < MinKeyBits || c.Keys.Bits > MaxKeyBits {
			errs = append(errs, fmt.Errorf("keys.bits must be between %d and %d", MinKeyBits, MaxKeyBits))
		}
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate_limit.burst must be positive when limiting is enabled"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// ClientConfig is the configuration of the tinyids agent.
type ClientConfig struct {
	Servers    []Target        `yaml:"servers" ignored:"true"`
	Collectors []CollectorSpec `yaml:"collectors" ignored:"true"`
	KeysDir    string          `yaml:"keys_dir" split_words:"true"`
	Algorithm  string          `yaml:"algorithm"`
	Timeout    time.Duration   `yaml:"timeout"`
	Schedule   string          `yaml:"schedule"`
	Log        LogConfig       `yaml:"log"`
}

// DefaultClientConfig returns the built-in agent defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Collectors: []CollectorSpec{{Name: "bindata"}, {Name: "binmeta"}},
		KeysDir:    "/etc/tinyids/keys",
		Algorithm:  DefaultAlgorithm,
		Timeout:    30 * time.Second,
		Schedule:   "@daily",
		Log: LogConfig{
			Level: "info",
			File:  "/var/log/tinyids/tinyids.log",
		},
	}
}

// Validate reports every problem with c at once.
func (c ClientConfig) Validate() error {
	var errs []error
	if len(c.Servers) == 0 {
		errs = append(errs, errors.New("servers: at least one server is required"))
	}
	for i, s := range c.Servers {
		if s.Host == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: host is required", i))
		}
		if s.Port < 0 || s.Port > 65535 {
			errs = append(errs, fmt.Errorf("servers[%d]: port %d out of range", i, s.Port))
		}
	}
	if _, err := NewDigest(c.Algorithm); err != nil {
		errs = append(errs, fmt.Errorf("algorithm: %w", err))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// LoadServerConfig reads path over the defaults, applies TINYIDSD_*
// environment overrides and validates the result. An empty path skips the
// file.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadYAML(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	if err := envconfig.Process(serverEnvPrefix, &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid server config: %w", err)
	}
	return cfg, nil
}

// LoadClientConfig reads path over the defaults, applies TINYIDS_*
// environment overrides and validates the result.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := loadYAML(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	if err := envconfig.Process(clientEnvPrefix, &cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("environment overrides: %w", err)
	}
	cfg.Servers = ResolveKeyPaths(cfg.Servers, cfg.KeysDir)
	for i := range cfg.Servers {
		if cfg.Servers[i].Port == 0 {
			cfg.Servers[i].Port = DefaultPort
		}
		if cfg.Servers[i].Name == "" {
			cfg.Servers[i].Name = cfg.Servers[i].Host
		}
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, fmt.Errorf("invalid client config: %w", err)
	}
	return cfg, nil
}

// LoadEnvFile exports the variables of a dotenv file so the loaders pick
// them up as overrides. Variables already set in the environment win.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// loadYAML decodes path into out, rejecting unknown keys.
func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
