// Package config loads the request router configuration: coded defaults,
// then an optional YAML file, then environment overrides.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/request_router/internal/app/domain/datafeed"
)

// DefaultPath is read when ROUTER_CONFIG is unset.
const DefaultPath = "config/router.yaml"

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Router       RouterConfig       `yaml:"router"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Chain        ChainConfig        `yaml:"chain"`
	Confidential ConfidentialConfig `yaml:"confidential"`
	Mixer        MixerConfig        `yaml:"mixer"`
	Automation   AutomationConfig   `yaml:"automation"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	DataFeed     DataFeedConfig     `yaml:"datafeed"`
	Feeds        []datafeed.Feed    `yaml:"feeds"`
	Accounts     AccountsConfig     `yaml:"accounts"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" env:"ROUTER_HTTP_ADDR"`
	// JWTPublicKeyPath points at the PEM key that verifies bearer tokens.
	JWTPublicKeyPath string        `yaml:"jwt_public_key_path" env:"ROUTER_JWT_PUBLIC_KEY_PATH"`
	RateLimit        float64       `yaml:"rate_limit" env:"ROUTER_RATE_LIMIT"`
	RateBurst        int           `yaml:"rate_burst" env:"ROUTER_RATE_BURST"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" env:"ROUTER_SHUTDOWN_TIMEOUT"`
}

type RouterConfig struct {
	QueueSize       int           `yaml:"queue_size" env:"ROUTER_QUEUE_SIZE"`
	Workers         int           `yaml:"workers" env:"ROUTER_WORKERS"`
	MaxAttempts     int           `yaml:"max_attempts" env:"ROUTER_MAX_ATTEMPTS"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout" env:"ROUTER_HANDLER_TIMEOUT"`
	ResweepInterval time.Duration `yaml:"resweep_interval" env:"ROUTER_RESWEEP_INTERVAL"`
	ResweepLimit    int           `yaml:"resweep_limit" env:"ROUTER_RESWEEP_LIMIT"`
	Fulfill         BackoffConfig `yaml:"fulfill"`
}

// BackoffConfig shapes fulfillment retries.
type BackoffConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"ROUTER_FULFILL_MAX_ATTEMPTS"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"ROUTER_FULFILL_INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"ROUTER_FULFILL_MAX_DELAY"`
	Multiplier   float64       `yaml:"multiplier" env:"ROUTER_FULFILL_MULTIPLIER"`
	Jitter       float64       `yaml:"jitter" env:"ROUTER_FULFILL_JITTER"`
}

type DatabaseConfig struct {
	// DSN selects the postgres store. Empty keeps everything in memory.
	DSN     string `yaml:"dsn" env:"DATABASE_URL"`
	Migrate bool   `yaml:"migrate" env:"ROUTER_DB_MIGRATE"`
}

type RedisConfig struct {
	// Addr selects the redis locker. Empty uses in-process leases.
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type ChainConfig struct {
	RPCURL      string            `yaml:"rpc_url" env:"NEO_RPC_URL"`
	NetworkID   uint32            `yaml:"network_id" env:"NEO_NETWORK_MAGIC"`
	Timeout     time.Duration     `yaml:"timeout" env:"NEO_RPC_TIMEOUT"`
	EventWindow uint32            `yaml:"event_window" env:"NEO_EVENT_WINDOW"`
	Contracts   ContractAddresses `yaml:"contracts"`
}

// ContractAddresses are the script hashes the router calls.
type ContractAddresses struct {
	Gateway    string `yaml:"gateway"`
	Automation string `yaml:"automation_anchor"`
	GasToken   string `yaml:"gas_token"`
}

// LoadFromEnv overrides addresses from CONTRACT_<NAME>_HASH variables.
func (c *ContractAddresses) LoadFromEnv() {
	set := func(dst *string, names ...string) {
		for _, name := range names {
			if v := strings.TrimSpace(os.Getenv(name)); v != "" {
				*dst = v
				return
			}
		}
	}
	set(&c.Gateway, "CONTRACT_GATEWAY_HASH")
	set(&c.Automation, "CONTRACT_AUTOMATIONANCHOR_HASH", "CONTRACT_AUTOMATION_HASH")
	set(&c.GasToken, "CONTRACT_GAS_HASH")
}

type ConfidentialConfig struct {
	Mnemonic   string `yaml:"mnemonic" env:"CONFIDENTIAL_MNEMONIC"`
	Passphrase string `yaml:"passphrase" env:"CONFIDENTIAL_PASSPHRASE"`
	SeedHex    string `yaml:"seed_hex" env:"CONFIDENTIAL_SEED_HEX"`
	Salt       string `yaml:"salt" env:"CONFIDENTIAL_SALT"`
	// ReportPath and Measurement configure report attestation.
	ReportPath      string `yaml:"attestation_report" env:"CONFIDENTIAL_ATTESTATION_REPORT"`
	Measurement     string `yaml:"attestation_measurement" env:"CONFIDENTIAL_ATTESTATION_MEASUREMENT"`
	AllowSimulation bool   `yaml:"allow_simulation" env:"CONFIDENTIAL_ALLOW_SIMULATION"`
}

type MixerConfig struct {
	MinAmount    int64         `yaml:"min_amount" env:"MIXER_MIN_AMOUNT"`
	MaxAmount    int64         `yaml:"max_amount" env:"MIXER_MAX_AMOUNT"`
	PoolSize     int           `yaml:"pool_size" env:"MIXER_POOL_SIZE"`
	RetireAfter  int           `yaml:"retire_after" env:"MIXER_RETIRE_AFTER"`
	MaxAttempts  int           `yaml:"payout_attempts" env:"MIXER_PAYOUT_ATTEMPTS"`
	ClaimTimeout time.Duration `yaml:"claim_timeout" env:"MIXER_CLAIM_TIMEOUT"`
	PollInterval time.Duration `yaml:"poll_interval" env:"MIXER_POLL_INTERVAL"`
	Token        string        `yaml:"token" env:"MIXER_TOKEN_HASH"`
}

type AutomationConfig struct {
	TickInterval  time.Duration `yaml:"tick_interval" env:"AUTOMATION_TICK_INTERVAL"`
	MaxConcurrent int           `yaml:"max_concurrent" env:"AUTOMATION_MAX_CONCURRENT"`
	ScriptTimeout time.Duration `yaml:"script_timeout" env:"AUTOMATION_SCRIPT_TIMEOUT"`
}

type LedgerConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval" env:"LEDGER_POLL_INTERVAL"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout" env:"LEDGER_CONFIRMATION_TIMEOUT"`
	RequireFunds        bool          `yaml:"require_funds" env:"LEDGER_REQUIRE_FUNDS"`
}

type DataFeedConfig struct {
	MaxAge          time.Duration `yaml:"max_age" env:"DATAFEED_MAX_AGE"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"DATAFEED_REFRESH_INTERVAL"`
	MaxConcurrent   int           `yaml:"max_concurrent" env:"DATAFEED_MAX_CONCURRENT"`
}

type AccountsConfig struct {
	// BaseURL enables account checks against the accounts service.
	BaseURL  string        `yaml:"base_url" env:"ACCOUNTS_BASE_URL"`
	CacheTTL time.Duration `yaml:"cache_ttl" env:"ACCOUNTS_CACHE_TTL"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Default returns the coded defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimit:       20,
			RateBurst:       40,
			ShutdownTimeout: 15 * time.Second,
		},
		Router: RouterConfig{
			QueueSize:       500,
			Workers:         4,
			MaxAttempts:     3,
			HandlerTimeout:  30 * time.Second,
			ResweepInterval: 30 * time.Second,
			ResweepLimit:    100,
			Fulfill: BackoffConfig{
				MaxAttempts:  5,
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2,
				Jitter:       0.2,
			},
		},
		Chain: ChainConfig{
			NetworkID:   894710606,
			Timeout:     30 * time.Second,
			EventWindow: 50,
		},
		Mixer: MixerConfig{
			MinAmount:    1_00000000,
			MaxAmount:    1000_00000000,
			PoolSize:     5,
			RetireAfter:  10,
			MaxAttempts:  5,
			ClaimTimeout: 10 * time.Minute,
			PollInterval: 15 * time.Second,
		},
		Automation: AutomationConfig{
			TickInterval:  10 * time.Second,
			MaxConcurrent: 8,
			ScriptTimeout: 100 * time.Millisecond,
		},
		Ledger: LedgerConfig{
			PollInterval:        15 * time.Second,
			ConfirmationTimeout: 5 * time.Minute,
		},
		DataFeed: DataFeedConfig{
			MaxAge:          30 * time.Second,
			RefreshInterval: 30 * time.Second,
			MaxConcurrent:   4,
		},
		Accounts: AccountsConfig{CacheTTL: time.Minute},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration. A .env file in the working directory is
// loaded first when present; the YAML file comes from ROUTER_CONFIG or
// DefaultPath and may be missing unless ROUTER_CONFIG names it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	path := os.Getenv("ROUTER_CONFIG")
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	cfg, err := LoadFile(path, explicit)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads path over the defaults without consulting the environment.
func LoadFile(path string, mustExist bool) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if err := envdecode.Decode(c); err != nil && !stderrors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode environment: %w", err)
	}
	c.Chain.Contracts.LoadFromEnv()
	return nil
}

// Validate rejects values the router cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Router.QueueSize > 0, "router.queue_size must be positive")
	check(c.Router.Workers > 0, "router.workers must be positive")
	check(c.Router.MaxAttempts > 0, "router.max_attempts must be positive")
	check(c.Router.ResweepInterval >= 0, "router.resweep_interval must not be negative")
	check(c.Router.Fulfill.Jitter >= 0 && c.Router.Fulfill.Jitter <= 1, "router.fulfill.jitter must be in [0, 1]")
	check(c.Server.RateLimit >= 0, "server.rate_limit must not be negative")
	check(c.Mixer.MinAmount > 0, "mixer.min_amount must be positive")
	check(c.Mixer.MaxAmount >= c.Mixer.MinAmount, "mixer.max_amount must be at least min_amount")
	check(c.Mixer.PoolSize > 0, "mixer.pool_size must be positive")
	check(c.Automation.TickInterval > 0, "automation.tick_interval must be positive")
	check(c.Ledger.PollInterval > 0, "ledger.poll_interval must be positive")
	check(c.Mixer.PollInterval > 0, "mixer.poll_interval must be positive")
	check(c.Confidential.Mnemonic == "" || c.Confidential.SeedHex == "", "confidential: set mnemonic or seed_hex, not both")

	seen := make(map[string]bool, len(c.Feeds))
	for _, f := range c.Feeds {
		if err := f.Validate(); err != nil {
			errs = append(errs, err)
		}
		check(!seen[f.ID], "feeds: duplicate id %q", f.ID)
		seen[f.ID] = true
	}
	return stderrors.Join(errs...)
}

// ChainEnabled reports whether a chain RPC endpoint is configured.
func (c *Config) ChainEnabled() bool { return strings.TrimSpace(c.Chain.RPCURL) != "" }
