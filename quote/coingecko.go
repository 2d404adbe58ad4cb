// Package quote prices the payment asset in fiat using the CoinGecko simple
// price API. Prices are cached briefly so a burst of purchases shares one
// upstream request.
package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	settlement "github.com/utilpay/settlement"
)

const (
	DefaultBaseURL  = "https://api.coingecko.com/api/v3"
	DefaultTTL      = 60 * time.Second
	DefaultAssetID  = "starknet"
	DefaultFiat     = "ngn"
	apiKeyHeader    = "x-cg-demo-api-key"
	maxCacheEntries = 32
	maxFetchRetries = 3
)

// Config configures the CoinGecko client
type Config struct {
	BaseURL string
	APIKey  string

	// AssetID and Fiat select the pair returned by Rate
	AssetID string
	Fiat    string

	// TTL is how long a fetched price is served from cache
	TTL time.Duration

	HTTPClient *http.Client
	Timeout    time.Duration
}

// CoinGecko implements settlement.QuoteProvider
type CoinGecko struct {
	mu         sync.RWMutex
	cfg        Config
	httpClient *http.Client
	cache      *lru.Cache[string, *cacheEntry]
	now        func() time.Time

	retryInterval time.Duration
}

type cacheEntry struct {
	price     decimal.Decimal
	expiresAt time.Time
}

// NewCoinGecko creates a CoinGecko client
func NewCoinGecko(cfg Config) *CoinGecko {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.AssetID == "" {
		cfg.AssetID = DefaultAssetID
	}
	if cfg.Fiat == "" {
		cfg.Fiat = DefaultFiat
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	cache, err := lru.New[string, *cacheEntry](maxCacheEntries)
	if err != nil {
		// only fails for a non-positive size
		panic("failed to create LRU cache: " + err.Error())
	}

	return &CoinGecko{
		cfg:        cfg,
		httpClient: httpClient,
		cache:      cache,
		now:        time.Now,

		retryInterval: 500 * time.Millisecond,
	}
}

// Rate returns the fiat price of one unit of the configured asset
func (c *CoinGecko) Rate(ctx context.Context) (decimal.Decimal, error) {
	return c.Price(ctx, c.cfg.AssetID, c.cfg.Fiat)
}

// Price returns the fiat price of one unit of assetID
func (c *CoinGecko) Price(ctx context.Context, assetID, fiat string) (decimal.Decimal, error) {
	assetID = strings.ToLower(assetID)
	fiat = strings.ToLower(fiat)
	key := assetID + "|" + fiat

	c.mu.RLock()
	entry, ok := c.cache.Get(key)
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expiresAt) {
		return entry.price, nil
	}

	var price decimal.Decimal
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retryInterval
	policy := backoff.WithMaxRetries(exp, maxFetchRetries)
	err := backoff.Retry(func() (err error) {
		price, err = c.fetch(ctx, assetID, fiat)
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", settlement.ErrQuoteUnavailable, err)
	}

	c.mu.Lock()
	c.cache.Add(key, &cacheEntry{price: price, expiresAt: c.now().Add(c.cfg.TTL)})
	c.mu.Unlock()
	return price, nil
}

func (c *CoinGecko) fetch(ctx context.Context, assetID, fiat string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("ids", assetID)
	query.Set("vs_currencies", fiat)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/simple/price?"+query.Encode(), nil)
	if err != nil {
		return decimal.Zero, backoff.Permanent(fmt.Errorf("failed to create price request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set(apiKeyHeader, c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read price response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("price request failed (%d): %s", resp.StatusCode, string(body))
		// Rate limits and server errors are worth retrying
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return decimal.Zero, err
		}
		return decimal.Zero, backoff.Permanent(err)
	}

	var prices map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(body, &prices); err != nil {
		return decimal.Zero, backoff.Permanent(fmt.Errorf("failed to unmarshal price response: %w", err))
	}
	price, ok := prices[assetID][fiat]
	if !ok || price.Sign() <= 0 {
		return decimal.Zero, backoff.Permanent(fmt.Errorf("no %s price for %s", fiat, assetID))
	}
	return price, nil
}

var _ settlement.QuoteProvider = (*CoinGecko)(nil)
