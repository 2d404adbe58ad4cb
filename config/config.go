// Package config loads settlementd configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the validated process configuration
type Config struct {
	Port     string
	LogLevel string

	DatabaseURL string
	RedisURL    string

	ProductionNetwork string
	TestNetwork       string
	MainnetRPCURL     string
	TestnetRPCURL     string

	SettlementContract string
	PaymentToken       string
	SwapRouter         string
	SignerPrivateKey   string

	VendorBaseURL string
	VendorUserID  string
	VendorAPIKey  string

	CoinGeckoAPIKey  string
	CoinGeckoBaseURL string
	QuoteAssetID     string
	QuoteFiat        string

	MinFiatAmount decimal.Decimal
	ServiceFeeBps int64

	SwapFromAsset string
	SwapToAsset   string
	// SwapTokens maps asset symbols to token addresses (SWAP_TOKENS=SYM:0x..,SYM:0x..)
	SwapTokens map[string]string

	SessionTimeout  time.Duration
	SwapLeaseTTL    time.Duration
	ReplayTTL       time.Duration
	AlertWebhookURL string
}

// Load reads .env if present and then the environment
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup. Every missing or malformed value is
// reported in one joined error.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	r := &reader{lookup: lookup}

	cfg := &Config{
		Port:     r.optional("PORT", "8080"),
		LogLevel: r.optional("LOG_LEVEL", "info"),

		DatabaseURL: r.required("DATABASE_URL"),
		RedisURL:    r.optional("REDIS_URL", ""),

		ProductionNetwork: r.required("PRODUCTION_NETWORK"),
		TestNetwork:       r.optional("TEST_NETWORK", ""),
		MainnetRPCURL:     r.required("MAINNET_RPC_URL"),
		TestnetRPCURL:     r.optional("TESTNET_RPC_URL", ""),

		SettlementContract: r.required("SETTLEMENT_CONTRACT"),
		PaymentToken:       r.required("PAYMENT_TOKEN"),
		SwapRouter:         r.optional("SWAP_ROUTER", ""),
		SignerPrivateKey:   r.required("SIGNER_PRIVATE_KEY"),

		VendorBaseURL: r.required("VENDOR_BASE_URL"),
		VendorUserID:  r.required("VENDOR_USER_ID"),
		VendorAPIKey:  r.required("VENDOR_API_KEY"),

		CoinGeckoAPIKey:  r.optional("COINGECKO_API_KEY", ""),
		CoinGeckoBaseURL: r.optional("COINGECKO_BASE_URL", "https://api.coingecko.com/api/v3"),
		QuoteAssetID:     r.optional("QUOTE_ASSET_ID", "starknet"),
		QuoteFiat:        r.optional("QUOTE_FIAT", "ngn"),

		MinFiatAmount: r.decimalValue("MIN_FIAT_AMOUNT", decimal.NewFromInt(100)),
		ServiceFeeBps: r.intValue("SERVICE_FEE_BPS", 500),

		SwapFromAsset: r.optional("SWAP_FROM_ASSET", "STRK"),
		SwapToAsset:   r.optional("SWAP_TO_ASSET", "USDT"),
		SwapTokens:    r.tokens("SWAP_TOKENS"),

		SessionTimeout:  r.durationValue("SESSION_TIMEOUT", 15*time.Minute),
		SwapLeaseTTL:    r.durationValue("SWAP_LEASE_TTL", 5*time.Minute),
		ReplayTTL:       r.durationValue("REPLAY_TTL", time.Hour),
		AlertWebhookURL: r.optional("ALERT_WEBHOOK_URL", ""),
	}

	if cfg.ServiceFeeBps < 0 || cfg.ServiceFeeBps > 10000 {
		r.errs = append(r.errs, fmt.Errorf("SERVICE_FEE_BPS must be between 0 and 10000"))
	}
	if cfg.TestNetwork != "" && cfg.TestnetRPCURL == "" {
		r.errs = append(r.errs, fmt.Errorf("TESTNET_RPC_URL is required when TEST_NETWORK is set"))
	}
	if cfg.SwapRouter != "" && len(cfg.SwapTokens) == 0 {
		r.errs = append(r.errs, fmt.Errorf("SWAP_TOKENS is required when SWAP_ROUTER is set"))
	}

	if err := errors.Join(r.errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SwapEnabled reports whether swap jobs should be scheduled
func (c *Config) SwapEnabled() bool {
	return c.SwapRouter != ""
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) get(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) required(key string) string {
	v, ok := r.get(key)
	if !ok {
		r.errs = append(r.errs, fmt.Errorf("%s is required", key))
	}
	return v
}

func (r *reader) optional(key, def string) string {
	if v, ok := r.get(key); ok {
		return v
	}
	return def
}

func (r *reader) intValue(key string, def int64) int64 {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) decimalValue(key string, def decimal.Decimal) decimal.Decimal {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) durationValue(key string, def time.Duration) time.Duration {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) tokens(key string) map[string]string {
	v, ok := r.get(key)
	if !ok {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		symbol, addr, found := strings.Cut(strings.TrimSpace(pair), ":")
		if !found || symbol == "" || addr == "" {
			r.errs = append(r.errs, fmt.Errorf("%s: malformed entry %q", key, pair))
			continue
		}
		out[strings.ToUpper(symbol)] = addr
	}
	return out
}
