// Package config loads runtime configuration for the course market service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the full service configuration.
type Config struct {
	Env       string `env:"MARKET_ENV,default=development"`
	HTTPAddr  string `env:"HTTP_ADDR,default=:8080"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
	FilePath  string `env:"MARKET_CONFIG_FILE,default=config/market.yaml"`

	HTTP      HTTPConfig
	Chain     ChainConfig
	Contracts ContractConfig
	Store     StoreConfig
	Purchase  PurchaseConfig
	Rewards   RewardsConfig

	// Courses are seeded into the key-value store at startup.
	Courses []CourseSeed
}

// HTTPConfig configures the API surface.
type HTTPConfig struct {
	AdminToken      string        `env:"MARKET_ADMIN_TOKEN"`
	JWTSecret       string        `env:"MARKET_JWT_SECRET"`
	TokenTTL        time.Duration `env:"MARKET_TOKEN_TTL,default=12h"`
	AllowedOrigins  string        `env:"CORS_ALLOWED_ORIGINS"`
	RateLimit       float64       `env:"HTTP_RATE_LIMIT,default=10"`
	RateBurst       int           `env:"HTTP_RATE_BURST,default=20"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT,default=30s"`
}

// Origins splits AllowedOrigins on commas.
func (h HTTPConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(h.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// ChainConfig configures the ledger client.
type ChainConfig struct {
	RPCURL            string        `env:"CHAIN_RPC_URL,default=http://localhost:8545"`
	WSURL             string        `env:"CHAIN_WS_URL"`
	ChainID           uint64        `env:"CHAIN_ID,default=1337"`
	Timeout           time.Duration `env:"CHAIN_RPC_TIMEOUT,default=30s"`
	RequestsPerSecond float64       `env:"CHAIN_RPC_RPS,default=20"`
	Burst             int           `env:"CHAIN_RPC_BURST,default=40"`
	MaxRetries        int           `env:"CHAIN_RPC_MAX_RETRIES,default=3"`
	PollInterval      time.Duration `env:"CHAIN_POLL_INTERVAL,default=4s"`
	BlockTime         time.Duration `env:"CHAIN_BLOCK_TIME,default=12s"`
}

// ContractConfig holds the deployed contract addresses.
type ContractConfig struct {
	Token       string `env:"CONTRACT_TOKEN" yaml:"token"`
	Marketplace string `env:"CONTRACT_MARKETPLACE" yaml:"marketplace"`
	Rewards     string `env:"CONTRACT_REWARDS" yaml:"rewards"`
}

// StoreConfig selects and configures the key-value backend.
type StoreConfig struct {
	Driver      string `env:"STORE_DRIVER,default=memory"`
	RedisURL    string `env:"REDIS_URL,default=redis://localhost:6379/0"`
	DatabaseURL string `env:"DATABASE_URL"`
	KeyPrefix   string `env:"STORE_KEY_PREFIX,default=market"`
}

// PurchaseConfig configures the purchase orchestrator.
type PurchaseConfig struct {
	TxWaitTimeout time.Duration `env:"TX_WAIT_TIMEOUT,default=2m"`
	ReceiptPoll   time.Duration `env:"TX_RECEIPT_POLL,default=2s"`
}

// RewardsConfig configures the reward reconciler.
type RewardsConfig struct {
	LookbackBlocks uint64 `env:"REWARDS_LOOKBACK_BLOCKS,default=10000" yaml:"lookback_blocks"`
	RecentCap      int    `env:"REWARDS_RECENT_CAP,default=10" yaml:"recent_cap"`
	RefreshSpec    string `env:"REWARDS_REFRESH_SPEC,default=@every 5m" yaml:"refresh_spec"`
}

// CourseSeed describes a course listed in the config file.
type CourseSeed struct {
	ID      string       `yaml:"id"`
	Title   string       `yaml:"title"`
	Price   string       `yaml:"price"`
	Creator string       `yaml:"creator"`
	Lessons []LessonSeed `yaml:"lessons"`
}

// LessonSeed describes a lesson of a seeded course.
type LessonSeed struct {
	ID      string `yaml:"id"`
	Title   string `yaml:"title"`
	Preview bool   `yaml:"preview"`
}

// Load reads .env (if present), the environment and the optional YAML file.
func Load() (*Config, error) {
	// Missing .env is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.mergeFile(cfg.FilePath); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate checks required fields and address formats.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		return fmt.Errorf("CHAIN_RPC_URL is required")
	}
	for name, addr := range map[string]string{
		"token":       c.Contracts.Token,
		"marketplace": c.Contracts.Marketplace,
		"rewards":     c.Contracts.Rewards,
	} {
		if addr == "" {
			return fmt.Errorf("contract address %s is required", name)
		}
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("contract address %s: invalid hex address %q", name, addr)
		}
	}
	switch c.Store.Driver {
	case "memory", "redis":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Rewards.RecentCap <= 0 {
		return fmt.Errorf("REWARDS_RECENT_CAP must be positive")
	}
	if c.IsProduction() && len(c.HTTP.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("MARKET_JWT_SECRET must be at least %d bytes in production", minJWTSecretLen)
	}
	return nil
}

const minJWTSecretLen = 32

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
