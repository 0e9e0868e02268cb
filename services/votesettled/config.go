package votesettled

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"votesettle/observability/logging"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for votesettled.
type Config struct {
	ListenAddress    string         `yaml:"listen"`
	PauseOnStart     bool           `yaml:"pause"`
	CapabilitiesPath string         `yaml:"capabilities"`
	JournalPath      string         `yaml:"journal_path"`
	Database         DatabaseConfig `yaml:"database"`
	Provider         ProviderConfig `yaml:"provider"`
	Ledger           LedgerConfig   `yaml:"ledger"`
	Policy           PolicyConfig   `yaml:"policy"`
	Auth             AuthConfig     `yaml:"auth"`
	Admin            AdminConfig    `yaml:"admin"`
	RateLimit        RateConfig     `yaml:"rate_limit"`
	Log              LogConfig      `yaml:"log"`
}

// DatabaseConfig selects the SQL backend for aggregates and vote records.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ProviderConfig describes the wallet RPC endpoint that signs vote batches.
type ProviderConfig struct {
	Name          string   `yaml:"name"`
	Flags         []string `yaml:"flags"`
	Endpoint      string   `yaml:"endpoint"`
	From          string   `yaml:"from"`
	ChainID       uint64   `yaml:"chain_id"`
	AuthToken     string   `yaml:"auth_token"`
	AuthTokenFile string   `yaml:"auth_token_file"`
	RatePerSecond float64  `yaml:"rate_per_second"`
	Burst         int      `yaml:"burst"`
}

// LedgerConfig configures the receipt lookups for full transaction hashes.
type LedgerConfig struct {
	Endpoint     string   `yaml:"endpoint"`
	PollInterval Duration `yaml:"poll_interval"`
}

// PolicyConfig mirrors Policy with YAML friendly types.
type PolicyConfig struct {
	MaxWeight      int      `yaml:"max_weight"`
	FallbackChunk  int      `yaml:"fallback_chunk"`
	PollInterval   Duration `yaml:"poll_interval"`
	PollAttempts   int      `yaml:"poll_attempts"`
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
	UnitPrice      string   `yaml:"unit_price"`
	Payee          string   `yaml:"payee"`
}

// AuthConfig configures voter JWT verification.
type AuthConfig struct {
	HMACSecret    string   `yaml:"hmac_secret"`
	HMACSecretEnv string   `yaml:"hmac_secret_env"`
	Issuer        string   `yaml:"issuer"`
	Audience      []string `yaml:"audience"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
}

// RateConfig throttles vote submissions per voter.
type RateConfig struct {
	PerMinute float64 `yaml:"per_minute"`
	Burst     int     `yaml:"burst"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "file:votesettle.db?_pragma=busy_timeout(5000)"
	}
	if cfg.Provider.RatePerSecond == 0 {
		cfg.Provider.RatePerSecond = 5
	}
	if cfg.Provider.Burst <= 0 {
		cfg.Provider.Burst = 5
	}
	if cfg.Ledger.PollInterval.Duration == 0 {
		cfg.Ledger.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Policy.MaxWeight <= 0 {
		cfg.Policy.MaxWeight = DefaultMaxWeight
	}
	if cfg.Policy.FallbackChunk <= 0 {
		cfg.Policy.FallbackChunk = DefaultFallbackChunk
	}
	if cfg.Policy.PollInterval.Duration == 0 {
		cfg.Policy.PollInterval.Duration = DefaultPollInterval
	}
	if cfg.Policy.PollAttempts <= 0 {
		cfg.Policy.PollAttempts = DefaultPollAttempts
	}
	if cfg.Policy.ConfirmTimeout.Duration == 0 {
		cfg.Policy.ConfirmTimeout.Duration = DefaultConfirmTimeout
	}
	if cfg.Policy.UnitPrice == "" {
		cfg.Policy.UnitPrice = "1000000000000000"
	}
	if cfg.RateLimit.PerMinute == 0 {
		cfg.RateLimit.PerMinute = 30
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func (c *Config) normalise() error {
	c.Provider.Endpoint = strings.TrimSpace(c.Provider.Endpoint)
	c.Provider.AuthToken = strings.TrimSpace(c.Provider.AuthToken)
	if path := strings.TrimSpace(c.Provider.AuthTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read provider auth_token_file: %w", err)
		}
		c.Provider.AuthToken = strings.TrimSpace(string(contents))
	}
	c.Admin.BearerToken = strings.TrimSpace(c.Admin.BearerToken)
	if path := strings.TrimSpace(c.Admin.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		c.Admin.BearerToken = strings.TrimSpace(string(contents))
	}
	c.Auth.HMACSecret = strings.TrimSpace(c.Auth.HMACSecret)
	if env := strings.TrimSpace(c.Auth.HMACSecretEnv); c.Auth.HMACSecret == "" && env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return fmt.Errorf("hmac_secret_env %s is empty", env)
		}
		c.Auth.HMACSecret = value
	}
	c.Policy.Payee = strings.TrimSpace(c.Policy.Payee)
	return nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if cfg.Provider.Endpoint == "" {
		return fmt.Errorf("provider endpoint must be configured")
	}
	if cfg.Provider.ChainID == 0 {
		return fmt.Errorf("provider chain_id must be configured")
	}
	if cfg.Policy.Payee == "" {
		return fmt.Errorf("policy payee must be configured")
	}
	if !common.IsHexAddress(cfg.Policy.Payee) {
		return fmt.Errorf("policy payee %q is not a hex address", cfg.Policy.Payee)
	}
	if _, err := cfg.Policy.unitPrice(); err != nil {
		return err
	}
	if cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth hmac_secret must be configured")
	}
	if cfg.Admin.BearerToken == "" {
		return fmt.Errorf("admin bearer_token must be configured")
	}
	return nil
}

func (p PolicyConfig) unitPrice() (*uint256.Int, error) {
	price, err := uint256.FromDecimal(strings.TrimSpace(p.UnitPrice))
	if err != nil {
		return nil, fmt.Errorf("policy unit_price: %w", err)
	}
	if price.IsZero() {
		return nil, fmt.Errorf("policy unit_price must be positive")
	}
	return price, nil
}

// EnginePolicy converts the YAML policy into the engine representation.
func (c Config) EnginePolicy() (Policy, error) {
	price, err := c.Policy.unitPrice()
	if err != nil {
		return Policy{}, err
	}
	return Policy{
		MaxWeight:      c.Policy.MaxWeight,
		FallbackChunk:  c.Policy.FallbackChunk,
		PollInterval:   c.Policy.PollInterval.Duration,
		PollAttempts:   c.Policy.PollAttempts,
		ConfirmTimeout: c.Policy.ConfirmTimeout.Duration,
		UnitPrice:      price,
		Payee:          c.Policy.Payee,
	}, nil
}

// LoggingOptions converts the log section for logging.Setup.
func (c Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      logging.ParseLevel(c.Log.Level),
		File:       strings.TrimSpace(c.Log.File),
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
