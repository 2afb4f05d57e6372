// Package config loads interlock settings: built-in defaults, then the
// project's .interlock/config.yaml, then INTERLOCK_* environment variables.
// Command-line flags are applied on top by the CLI.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/interlock/internal/core"
)

const (
	DefaultDir = ".interlock"
	fileName   = "config.yaml"
	dbName     = "interlock.db"
	backupDir  = "backups"
)

type Config struct {
	// Root is the project directory; it is never read from the file.
	Root     string `yaml:"-" env:"INTERLOCK_ROOT"`
	Dir      string `yaml:"dir" env:"INTERLOCK_DIR"`
	LogLevel string `yaml:"log_level" env:"INTERLOCK_LOG_LEVEL"`

	Lock     LockConfig             `yaml:"lock" envPrefix:"INTERLOCK_LOCK_"`
	Ledger   LedgerConfig           `yaml:"ledger" envPrefix:"INTERLOCK_LEDGER_"`
	Recovery RecoveryConfig         `yaml:"recovery" envPrefix:"INTERLOCK_RECOVERY_"`
	Serve    ServeConfig            `yaml:"serve" envPrefix:"INTERLOCK_SERVE_"`
	Agents   map[string]AgentConfig `yaml:"agents,omitempty"`
}

type LockConfig struct {
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	LeaseTTL       time.Duration `yaml:"lease_ttl" env:"LEASE_TTL"`
}

type LedgerConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

type RecoveryConfig struct {
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY"`
}

type ServeConfig struct {
	Addr           string        `yaml:"addr" env:"ADDR"`
	Socket         string        `yaml:"socket" env:"SOCKET"`
	SweepInterval  time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	AllowLocalhost bool          `yaml:"allow_localhost" env:"ALLOW_LOCALHOST"`
	// Tokens maps operator or agent names to bearer tokens for non-local
	// API clients.
	Tokens map[string]string `yaml:"tokens,omitempty" env:"TOKENS"`
	// Watch reports writes to watched directories that happen without a lock.
	Watch []string `yaml:"watch,omitempty" env:"WATCH" envSeparator:","`
}

// AgentConfig overrides defaults for one agent kind.
type AgentConfig struct {
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

func Default() Config {
	return Config{
		Dir:      DefaultDir,
		LogLevel: "info",
		Lock: LockConfig{
			Timeout:        30 * time.Second,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     500 * time.Millisecond,
			LeaseTTL:       time.Hour,
		},
		Ledger:   LedgerConfig{WriteTimeout: 5 * time.Second},
		Recovery: RecoveryConfig{Concurrency: 8},
		Serve: ServeConfig{
			Addr:           "127.0.0.1:7339",
			SweepInterval:  30 * time.Second,
			AllowLocalhost: true,
		},
	}
}

// Load resolves the configuration for the project at root.
func Load(root string) (Config, error) {
	return load(root, env.Options{})
}

func load(root string, envOpts env.Options) (Config, error) {
	cfg := Default()
	cfg.Root = root

	// INTERLOCK_ROOT and INTERLOCK_DIR decide where the file lives, so the
	// environment is applied before the file and again after it.
	if err := env.Parse(&cfg, envOpts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return Config{}, fmt.Errorf("resolve root: %w", err)
	}
	cfg.Root = abs
	if err := mergeFile(&cfg, cfg.FilePath()); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg, envOpts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Root = abs
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root required")
	}
	if strings.TrimSpace(c.Dir) == "" {
		return fmt.Errorf("dir required")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Lock.InitialBackoff <= 0 || c.Lock.MaxBackoff < c.Lock.InitialBackoff {
		return fmt.Errorf("lock backoff: need 0 < initial_backoff <= max_backoff")
	}
	if c.Lock.LeaseTTL <= 0 {
		return fmt.Errorf("lock.lease_ttl must be positive")
	}
	if c.Lock.Timeout < 0 {
		return fmt.Errorf("lock.timeout must not be negative")
	}
	if c.Ledger.WriteTimeout <= 0 {
		return fmt.Errorf("ledger.write_timeout must be positive")
	}
	if c.Serve.SweepInterval < 0 {
		return fmt.Errorf("serve.sweep_interval must not be negative")
	}
	if _, err := c.Registry(); err != nil {
		return fmt.Errorf("agents: %w", err)
	}
	return nil
}

// Registry builds the agent policy table. Unknown agent kinds are an error.
func (c Config) Registry() (*core.AgentRegistry, error) {
	overrides := make(map[string]core.AgentPolicy, len(c.Agents))
	for name, a := range c.Agents {
		overrides[name] = core.AgentPolicy{LockTimeout: a.LockTimeout}
	}
	return core.NewAgentRegistry(core.AgentPolicy{LockTimeout: c.Lock.Timeout}, overrides)
}

// StateDir is the absolute directory holding the store, backups and config.
func (c Config) StateDir() string {
	if filepath.IsAbs(c.Dir) {
		return c.Dir
	}
	return filepath.Join(c.Root, c.Dir)
}

func (c Config) FilePath() string { return filepath.Join(c.StateDir(), fileName) }

func (c Config) DBPath() string { return filepath.Join(c.StateDir(), dbName) }

func (c Config) BackupDir() string { return filepath.Join(c.StateDir(), backupDir) }

// Logger builds the process logger at the configured level.
func (c Config) Logger() *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "interlock",
	})
	if lvl, err := log.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}

// InitFile writes a config file with every default spelled out. An existing
// file is kept unless force is set. With withToken an "operator" bearer
// token is generated for remote access to the serve API and returned.
func InitFile(root string, force, withToken bool) (path, token string, err error) {
	cfg := Default()
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", "", fmt.Errorf("resolve root: %w", err)
	}
	cfg.Root = abs
	path = cfg.FilePath()
	if _, err := os.Stat(path); err == nil && !force {
		return "", "", fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", fmt.Errorf("create config dir: %w", err)
	}
	cfg.Agents = map[string]AgentConfig{
		string(core.AgentFormatter):  {LockTimeout: 10 * time.Second},
		string(core.AgentRefactorer): {LockTimeout: time.Minute},
	}
	if withToken {
		if token, err = generateToken(); err != nil {
			return "", "", err
		}
		cfg.Serve.Tokens = map[string]string{"operator": token}
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", "", fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", "", fmt.Errorf("write config file: %w", err)
	}
	return path, token, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
