package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory.
// All fields are optional; defaults are applied by the accessor methods.
//
// Example (~/.inkos/config.yaml):
//
// server:
//   host: 127.0.0.1
//   port: 8088
// database:
//   driver: sqlite
//   dsn: /home/me/.inkos/inkos.db
// scheduler:
//   tick: 1m
//   nightly: "0 2 * * *"
// rollover:
//   warn_ratio: 0.75
//   force_ratio: 0.9
//
// Notes:
// - If the config file does not exist, Load returns defaults without error.
// - If the config file exists but cannot be parsed, Load returns an error.
// - Port must be between 1 and 65535.
type AppConfig struct {
	Server    ServerConfig     `yaml:"server"`
	Log       LogConfig        `yaml:"log"`
	Database  DatabaseConfig   `yaml:"database"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Rollover  RolloverConfig   `yaml:"rollover"`
	Summary   SummaryConfig    `yaml:"summary"`
	Redis     RedisConfig      `yaml:"redis"`
	Providers []ProviderConfig `yaml:"providers,omitempty"`
}

type ServerConfig struct {
	Host *string `yaml:"host"`
	Port *int    `yaml:"port"`
}

type LogConfig struct {
	Level  *string `yaml:"level"`
	Format *string `yaml:"format"`
}

type DatabaseConfig struct {
	Driver *string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    *string `yaml:"dsn"`
}

type SchedulerConfig struct {
	Tick             *time.Duration `yaml:"tick"`
	Workers          *int           `yaml:"workers"`
	Nightly          *string        `yaml:"nightly"` // cron expression, evaluated in UTC
	AbandonedAfter   *time.Duration `yaml:"abandoned_after"`
	RequeueAbandoned *bool          `yaml:"requeue_abandoned"`
}

type RolloverConfig struct {
	WarnRatio  *float64 `yaml:"warn_ratio"`
	ForceRatio *float64 `yaml:"force_ratio"`
	TailSize   *int     `yaml:"tail_size"`
}

type SummaryConfig struct {
	PreferLocal  *bool          `yaml:"prefer_local"`
	Temperature  *float64       `yaml:"temperature"`
	Lookaside    *string        `yaml:"lookaside"` // memory, redis, none
	LookasideTTL *time.Duration `yaml:"lookaside_ttl"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ProviderConfig overrides or extends a built-in AI provider entry.
type ProviderConfig struct {
	ID             string   `yaml:"id"`
	Kind           string   `yaml:"kind"`   // local or cloud
	Driver         string   `yaml:"driver"` // openai, anthropic, google, deepseek, qwen, ark, qianfan, ollama
	DisplayName    string   `yaml:"display_name"`
	BaseURL        string   `yaml:"base_url"`
	DefaultModel   string   `yaml:"default_model"`
	Models         []string `yaml:"models"`
	CapabilityTags []string `yaml:"capability_tags"`
	RequiresAPIKey *bool    `yaml:"requires_api_key"`
}

const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8088
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultDriver           = "sqlite"
	DefaultTick             = time.Minute
	DefaultWorkers          = 1
	DefaultNightly          = "0 2 * * *"
	DefaultWarnRatio        = 0.75
	DefaultForceRatio       = 0.9
	DefaultTailSize         = 12
	DefaultTemperature      = 0.2
	DefaultLookaside        = "memory"
	DefaultLookasideTTL     = 10 * time.Minute
	DefaultDatabaseFileName = "inkos.db"
)

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".inkos")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads ~/.inkos/config.yaml.
// If the file doesn't exist, it returns a default config and nil error.
func Load() (*AppConfig, string, error) {
	_, configFile, err := DefaultPaths()
	if err != nil {
		return nil, "", err
	}
	cfg, err := LoadFile(configFile)
	if err != nil {
		return nil, "", err
	}
	return cfg, configFile, nil
}

// LoadFile reads the config at configFile with the same rules as Load.
func LoadFile(configFile string) (*AppConfig, error) {
	cfg := &AppConfig{}

	b, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", configFile, err)
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml config %s: %w", configFile, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w in %s", err, configFile)
	}
	return cfg, nil
}

// Validate checks value ranges after defaults are applied.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Host()) == "" {
		return fmt.Errorf("invalid server.host (empty)")
	}
	if port := c.Port(); port < 1 || port > 65535 {
		return fmt.Errorf("invalid server.port %d", port)
	}
	switch c.DatabaseDriver() {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("invalid database.driver %q", c.DatabaseDriver())
	}
	if c.DatabaseDriver() != "sqlite" && strings.TrimSpace(c.DatabaseDSN()) == "" {
		return fmt.Errorf("database.dsn is required for driver %s", c.DatabaseDriver())
	}
	if c.SchedulerTick() <= 0 {
		return fmt.Errorf("invalid scheduler.tick %s", c.SchedulerTick())
	}
	warn, force := c.WarnRatio(), c.ForceRatio()
	if warn <= 0 || force <= 0 || warn > force || force > 1 {
		return fmt.Errorf("invalid rollover ratios warn=%v force=%v", warn, force)
	}
	switch c.SummaryLookaside() {
	case "memory", "none":
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return fmt.Errorf("redis.addr is required when summary.lookaside is redis")
		}
	default:
		return fmt.Errorf("invalid summary.lookaside %q", c.SummaryLookaside())
	}
	for i, p := range c.Providers {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("invalid providers[%d].id (empty)", i)
		}
	}
	return nil
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
// It is safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := AppConfig{
		Server:   ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)},
		Log:      LogConfig{Level: ptr(DefaultLogLevel), Format: ptr(DefaultLogFormat)},
		Database: DatabaseConfig{Driver: ptr(DefaultDriver)},
		Scheduler: SchedulerConfig{
			Tick:    ptr(DefaultTick),
			Workers: ptr(DefaultWorkers),
			Nightly: ptr(DefaultNightly),
		},
		Rollover: RolloverConfig{WarnRatio: ptr(DefaultWarnRatio), ForceRatio: ptr(DefaultForceRatio)},
	}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// Write with restrictive permissions.
	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if c == nil || c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

func (c *AppConfig) Port() int {
	if c == nil || c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

func (c *AppConfig) LogLevel() string {
	if c == nil {
		return DefaultLogLevel
	}
	return stringOr(c.Log.Level, DefaultLogLevel)
}

func (c *AppConfig) LogFormat() string {
	if c == nil {
		return DefaultLogFormat
	}
	return stringOr(c.Log.Format, DefaultLogFormat)
}

func (c *AppConfig) DatabaseDriver() string {
	if c == nil {
		return DefaultDriver
	}
	return strings.ToLower(stringOr(c.Database.Driver, DefaultDriver))
}

// DatabaseDSN returns the configured DSN. For sqlite an empty value resolves
// to ~/.inkos/inkos.db.
func (c *AppConfig) DatabaseDSN() string {
	if c != nil && c.Database.DSN != nil && strings.TrimSpace(*c.Database.DSN) != "" {
		return strings.TrimSpace(*c.Database.DSN)
	}
	if c.DatabaseDriver() != "sqlite" {
		return ""
	}
	configDir, _, err := DefaultPaths()
	if err != nil {
		return DefaultDatabaseFileName
	}
	return filepath.Join(configDir, DefaultDatabaseFileName)
}

func (c *AppConfig) SchedulerTick() time.Duration {
	if c == nil || c.Scheduler.Tick == nil {
		return DefaultTick
	}
	return *c.Scheduler.Tick
}

func (c *AppConfig) SchedulerWorkers() int {
	if c == nil || c.Scheduler.Workers == nil || *c.Scheduler.Workers <= 0 {
		return DefaultWorkers
	}
	return *c.Scheduler.Workers
}

func (c *AppConfig) NightlySchedule() string {
	if c == nil {
		return DefaultNightly
	}
	return stringOr(c.Scheduler.Nightly, DefaultNightly)
}

func (c *AppConfig) AbandonedAfter() time.Duration {
	if c == nil || c.Scheduler.AbandonedAfter == nil || *c.Scheduler.AbandonedAfter < 0 {
		return 0
	}
	return *c.Scheduler.AbandonedAfter
}

func (c *AppConfig) RequeueAbandoned() bool {
	if c == nil || c.Scheduler.RequeueAbandoned == nil {
		return true
	}
	return *c.Scheduler.RequeueAbandoned
}

func (c *AppConfig) WarnRatio() float64 {
	if c == nil || c.Rollover.WarnRatio == nil {
		return DefaultWarnRatio
	}
	return *c.Rollover.WarnRatio
}

func (c *AppConfig) ForceRatio() float64 {
	if c == nil || c.Rollover.ForceRatio == nil {
		return DefaultForceRatio
	}
	return *c.Rollover.ForceRatio
}

func (c *AppConfig) TailSize() int {
	if c == nil || c.Rollover.TailSize == nil || *c.Rollover.TailSize <= 0 {
		return DefaultTailSize
	}
	return *c.Rollover.TailSize
}

func (c *AppConfig) PreferLocal() bool {
	if c == nil || c.Summary.PreferLocal == nil {
		return true
	}
	return *c.Summary.PreferLocal
}

func (c *AppConfig) SummaryTemperature() float64 {
	if c == nil || c.Summary.Temperature == nil {
		return DefaultTemperature
	}
	return *c.Summary.Temperature
}

func (c *AppConfig) SummaryLookaside() string {
	if c == nil {
		return DefaultLookaside
	}
	return strings.ToLower(stringOr(c.Summary.Lookaside, DefaultLookaside))
}

func (c *AppConfig) SummaryLookasideTTL() time.Duration {
	if c == nil || c.Summary.LookasideTTL == nil || *c.Summary.LookasideTTL <= 0 {
		return DefaultLookasideTTL
	}
	return *c.Summary.LookasideTTL
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return def
	}
	return s
}

func ptr[T any](v T) *T { return &v }
