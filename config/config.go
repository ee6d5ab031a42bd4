// Package config loads runtime settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402pay/types"
	"github.com/vitwit/x402pay/utils"
	"github.com/vitwit/x402pay/verification"
)

// Config ties together every setting the binaries need.
type Config struct {
	Backend    BackendConfig
	Playground PlaygroundConfig
	Solana     ChainConfig
	EVM        ChainConfig
	Poll       PollConfig
	Journal    JournalConfig

	LogLevel      string `validate:"oneof=debug info warn error"`
	EnableMetrics bool
}

type BackendConfig struct {
	URL    string `validate:"required,url"`
	APIKey string
}

type PlaygroundConfig struct {
	Addr string `validate:"required"`

	// Price of the x402-protected /api/premium resource.
	PremiumAmount   decimal.Decimal
	PremiumCurrency string `validate:"required"`
	PremiumNetwork  types.Network
	PremiumPayTo    string
}

type ChainConfig struct {
	RPCURL     string `validate:"omitempty,url"`
	Network    types.Network
	PrivateKey string
}

type PollConfig struct {
	Interval    time.Duration `validate:"gt=0"`
	MaxAttempts int           `validate:"gt=0"`
}

type JournalConfig struct {
	DSN  string
	File string
}

// Load reads the given .env files (default ".env"), ignoring missing ones,
// then builds the configuration from the environment. Variables already
// set in the environment win over file values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	premium, err := decimal.NewFromString(envOr("PREMIUM_AMOUNT", "0.01"))
	if err != nil {
		return nil, types.NewError(types.ErrConfigError, "PREMIUM_AMOUNT is not a decimal", err)
	}

	interval, err := envOrDuration("POLL_INTERVAL", verification.DefaultInterval)
	if err != nil {
		return nil, err
	}
	attempts, err := envOrInt("POLL_MAX_ATTEMPTS", verification.DefaultMaxAttempts)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Backend: BackendConfig{
			URL:    envOr("BACKEND_URL", "http://localhost:8000"),
			APIKey: envOr("MESHPAY_API_KEY", ""),
		},
		Playground: PlaygroundConfig{
			Addr:            envOr("PLAYGROUND_ADDR", ":8080"),
			PremiumAmount:   premium,
			PremiumCurrency: envOr("PREMIUM_CURRENCY", "USDC"),
			PremiumNetwork:  types.Network(envOr("PREMIUM_NETWORK", string(types.NetworkSolanaDevnet))),
			PremiumPayTo:    envOr("PREMIUM_PAY_TO", ""),
		},
		Solana: ChainConfig{
			RPCURL:     envOr("SOLANA_RPC_URL", ""),
			Network:    types.Network(envOr("SOLANA_NETWORK", string(types.NetworkSolanaDevnet))),
			PrivateKey: envOr("WALLET_PRIVATE_KEY", ""),
		},
		EVM: ChainConfig{
			RPCURL:     envOr("EVM_RPC_URL", ""),
			Network:    types.Network(envOr("EVM_NETWORK", "")),
			PrivateKey: envOr("EVM_PRIVATE_KEY", ""),
		},
		Poll: PollConfig{
			Interval:    interval,
			MaxAttempts: attempts,
		},
		Journal: JournalConfig{
			DSN:  envOr("JOURNAL_DSN", ""),
			File: envOr("JOURNAL_FILE", ""),
		},
		LogLevel:      envOr("LOG_LEVEL", "info"),
		EnableMetrics: envOrBool("ENABLE_METRICS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := utils.Validator().Struct(c); err != nil {
		return types.NewError(types.ErrConfigError, "invalid configuration", err)
	}
	if !c.Playground.PremiumAmount.IsPositive() {
		return types.Errorf(types.ErrConfigError, "PREMIUM_AMOUNT must be positive")
	}
	if err := utils.ValidateNetwork(c.Playground.PremiumNetwork); err != nil {
		return types.NewError(types.ErrConfigError, "PREMIUM_NETWORK", err)
	}
	if !c.Solana.Network.IsSolana() {
		return types.Errorf(types.ErrConfigError, "SOLANA_NETWORK %q is not a Solana network", c.Solana.Network)
	}
	if c.EVM.Network != "" && !c.EVM.Network.IsEVM() {
		return types.Errorf(types.ErrConfigError, "EVM_NETWORK %q is not an EVM network", c.EVM.Network)
	}
	if c.Journal.DSN != "" && c.Journal.File != "" {
		return types.Errorf(types.ErrConfigError, "set only one of JOURNAL_DSN and JOURNAL_FILE")
	}
	return nil
}

// FlowConfig projects the settings the confirmation flow consumes.
func (c *Config) FlowConfig() *types.FlowConfig {
	return &types.FlowConfig{
		PollInterval:    c.Poll.Interval,
		PollMaxAttempts: c.Poll.MaxAttempts,
		Commitment:      types.CommitmentConfirmed,
		LogLevel:        c.LogLevel,
		EnableMetrics:   c.EnableMetrics,
	}
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) (int, error) {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return 0, types.NewError(types.ErrConfigError, key+" is not an integer", err)
	}
	return parsed, nil
}

func envOrDuration(key string, fallback time.Duration) (time.Duration, error) {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return 0, types.NewError(types.ErrConfigError, key+" is not a duration", err)
	}
	return parsed, nil
}

func envOrBool(key string) bool {
	parsed, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && parsed
}
