// Package config loads the typed configuration every service binds at
// startup, validated before any worker loop starts. Backed by
// github.com/spf13/viper (env vars + optional YAML file), the pack's
// dependency for exactly this shape of problem.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of tunables from spec §6's "Configuration enum".
type Config struct {
	// Batching (§4.2)
	BatchThreshold       int     `mapstructure:"batch_threshold"`
	MinBatchSize         int     `mapstructure:"min_batch_size"`
	MinGasSavingsPercent float64 `mapstructure:"min_gas_savings_percent"`
	SingleTxGasEstimate  uint64  `mapstructure:"single_tx_gas_estimate"`
	BatchBaseGas         uint64  `mapstructure:"batch_base_gas"`
	BatchPerTxGas        uint64  `mapstructure:"batch_per_tx_gas"`

	// Retry/backoff (§4.5)
	MaxRetryAttempts       int           `mapstructure:"max_retry_attempts"`
	InitialRetryDelay      time.Duration `mapstructure:"initial_retry_delay_ms"`
	MaxRetryDelay          time.Duration `mapstructure:"max_retry_delay_ms"`
	RetryBackoffMultiplier float64       `mapstructure:"retry_backoff_multiplier"`
	// MaxUnknownRetryAttempts bounds retries for unclassified (UNKNOWN
	// kind) DLQ failures more tightly than MaxRetryAttempts, so an error
	// the classifier couldn't recognize is treated as transient for only
	// a handful of attempts before escalating to permanent failure.
	MaxUnknownRetryAttempts int `mapstructure:"max_unknown_retry_attempts"`

	// Fees (§4.2)
	GasTipPercent    int `mapstructure:"gas_tip_percent"`
	GasBufferPercent int `mapstructure:"gas_buffer_percent"`

	// Nonce coordination (§4.3)
	NonceGapTimeout time.Duration `mapstructure:"nonce_gap_timeout_ms"`
	NoncePoolTTL    time.Duration `mapstructure:"nonce_pool_ttl"`

	// Queue/worker shape (§4.2, §5)
	ReceiveBatchSize    int           `mapstructure:"receive_batch_size"`
	LongPollTimeout     time.Duration `mapstructure:"long_poll_timeout"`
	VisibilityTimeout   time.Duration `mapstructure:"visibility_timeout"`
	MaxDeliveries       int           `mapstructure:"max_deliveries"`
	WorkersPerQueue     int           `mapstructure:"workers_per_queue"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	RPCTimeout          time.Duration `mapstructure:"rpc_timeout"`
	RedisTimeout        time.Duration `mapstructure:"redis_timeout"`

	// Infra DSNs
	DatabaseDSN string `mapstructure:"database_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`

	// Chain wiring (§4.1, §4.3): comma-separated "chain/network=url" pairs,
	// "chain=0xhexkey" custodial signer keys, and
	// "chain/network/address:symbol:decimals" supported tokens. Kept as
	// flat strings rather than nested structures so they bind to plain
	// environment variables the same way every other field here does;
	// ParseChainEndpoints/ParseSignerKeys/ParseSupportedTokens below do
	// the one-time split at startup.
	ChainEndpoints  string `mapstructure:"chain_endpoints"`
	SignerKeys      string `mapstructure:"signer_keys"`
	SupportedTokens string `mapstructure:"supported_tokens"`

	// Logging
	LogFormat string `mapstructure:"log_format"`
	LogDebug  bool   `mapstructure:"log_debug"`
}

// Defaults mirror the literal default values spec §4 and §6 specify.
func Defaults() Config {
	return Config{
		BatchThreshold:       3,
		MinBatchSize:         5,
		MinGasSavingsPercent: 20,
		SingleTxGasEstimate:  65_000,
		BatchBaseGas:         100_000,
		BatchPerTxGas:        25_000,

		MaxRetryAttempts:        5,
		InitialRetryDelay:       60 * time.Second,
		MaxRetryDelay:           6 * time.Hour,
		RetryBackoffMultiplier:  2.0,
		MaxUnknownRetryAttempts: 2,

		GasTipPercent:    10,
		GasBufferPercent: 20,

		NonceGapTimeout: 15 * time.Second,
		NoncePoolTTL:    24 * time.Hour,

		ReceiveBatchSize:    10,
		LongPollTimeout:     20 * time.Second,
		VisibilityTimeout:   30 * time.Second,
		MaxDeliveries:       5,
		WorkersPerQueue:     4,
		ShutdownGracePeriod: 25 * time.Second,
		RPCTimeout:          5 * time.Second,
		RedisTimeout:        1 * time.Second,

		LogFormat: "terminal",
	}
}

// Load reads configuration from an optional file at path (ignored if
// empty or not found), then overlays environment variables prefixed
// WITHDRAWAL_, then validates required infra DSNs are present.
func Load(path string) (Config, error) {
	v := viper.New()
	defaults := Defaults()
	bindDefaults(v, defaults)

	v.SetEnvPrefix("withdrawal")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only reaches keys viper already knows of, so keys with
	// no default are bound to their WITHDRAWAL_* variable explicitly.
	for _, key := range []string{"database_dsn", "redis_addr", "chain_endpoints", "signer_keys", "supported_tokens"} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config file %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func bindDefaults(v *viper.Viper, d Config) {
	v.SetDefault("batch_threshold", d.BatchThreshold)
	v.SetDefault("min_batch_size", d.MinBatchSize)
	v.SetDefault("min_gas_savings_percent", d.MinGasSavingsPercent)
	v.SetDefault("single_tx_gas_estimate", d.SingleTxGasEstimate)
	v.SetDefault("batch_base_gas", d.BatchBaseGas)
	v.SetDefault("batch_per_tx_gas", d.BatchPerTxGas)
	v.SetDefault("max_retry_attempts", d.MaxRetryAttempts)
	v.SetDefault("max_unknown_retry_attempts", d.MaxUnknownRetryAttempts)
	v.SetDefault("initial_retry_delay_ms", d.InitialRetryDelay)
	v.SetDefault("max_retry_delay_ms", d.MaxRetryDelay)
	v.SetDefault("retry_backoff_multiplier", d.RetryBackoffMultiplier)
	v.SetDefault("gas_tip_percent", d.GasTipPercent)
	v.SetDefault("gas_buffer_percent", d.GasBufferPercent)
	v.SetDefault("nonce_gap_timeout_ms", d.NonceGapTimeout)
	v.SetDefault("nonce_pool_ttl", d.NoncePoolTTL)
	v.SetDefault("receive_batch_size", d.ReceiveBatchSize)
	v.SetDefault("long_poll_timeout", d.LongPollTimeout)
	v.SetDefault("visibility_timeout", d.VisibilityTimeout)
	v.SetDefault("max_deliveries", d.MaxDeliveries)
	v.SetDefault("workers_per_queue", d.WorkersPerQueue)
	v.SetDefault("shutdown_grace_period", d.ShutdownGracePeriod)
	v.SetDefault("rpc_timeout", d.RPCTimeout)
	v.SetDefault("redis_timeout", d.RedisTimeout)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_debug", d.LogDebug)
}

// Validate fails fast on missing required infra endpoints, per spec §6's
// "typed configuration struct validated at startup".
func (c Config) Validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("config: database_dsn is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("config: redis_addr is required")
	}
	if c.ShutdownGracePeriod > c.VisibilityTimeout {
		return fmt.Errorf("config: shutdown_grace_period (%s) must not exceed visibility_timeout (%s)", c.ShutdownGracePeriod, c.VisibilityTimeout)
	}
	return nil
}

// ParseChainEndpoints splits ChainEndpoints into a "chain/network" -> RPC
// URL map for chain.DialRegistry.
func (c Config) ParseChainEndpoints() map[string]string {
	out := make(map[string]string)
	for _, pair := range splitNonEmpty(c.ChainEndpoints, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// ParseSignerKeys splits SignerKeys into a chain -> hex private key map.
func (c Config) ParseSignerKeys() map[string]string {
	out := make(map[string]string)
	for _, pair := range splitNonEmpty(c.SignerKeys, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// ParsedToken is the flat shape config emits before the caller lifts it
// into a domain.SupportedToken, keeping this package free of a
// dependency on the domain package.
type ParsedToken struct {
	Chain, Network, Address, Symbol string
	Decimals                        uint8
}

// ParseSupportedTokens splits SupportedTokens entries of the form
// "chain/network/address:symbol:decimals".
func (c Config) ParseSupportedTokens() []ParsedToken {
	var out []ParsedToken
	for _, entry := range splitNonEmpty(c.SupportedTokens, ",") {
		loc, rest, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		symbol, decimalsStr, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		parts := strings.SplitN(loc, "/", 3)
		if len(parts) != 3 {
			continue
		}
		var decimals uint8
		fmt.Sscanf(decimalsStr, "%d", &decimals)
		out = append(out, ParsedToken{Chain: parts[0], Network: parts[1], Address: parts[2], Symbol: symbol, Decimals: decimals})
	}
	return out
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
