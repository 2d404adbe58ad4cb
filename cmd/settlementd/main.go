// Command settlementd runs the settlement and refund orchestrator behind the
// HTTP API, with the swap job queue in the background.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	settlement "github.com/utilpay/settlement"
	"github.com/utilpay/settlement/alert"
	"github.com/utilpay/settlement/api"
	"github.com/utilpay/settlement/chain"
	"github.com/utilpay/settlement/config"
	"github.com/utilpay/settlement/fulfillment"
	"github.com/utilpay/settlement/idempotency"
	"github.com/utilpay/settlement/ledger"
	"github.com/utilpay/settlement/logging"
	"github.com/utilpay/settlement/mcp"
	"github.com/utilpay/settlement/metrics"
	"github.com/utilpay/settlement/quote"
	"github.com/utilpay/settlement/swap"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logging.NewLogger("settlementd", cfg.LogLevel)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("settlementd stopped")
	}
}

func run(cfg *config.Config, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Storage
	// ========================================================================

	db, err := ledger.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := ledger.Migrate(db); err != nil {
		return err
	}
	store := ledger.NewPostgresLedger(db)

	// ========================================================================
	// Chain
	// ========================================================================

	mainnetClient, err := chain.DialEthClient(ctx, cfg.MainnetRPCURL, cfg.SignerPrivateKey,
		chain.WithClientLogger(log.WithField("network", cfg.ProductionNetwork)))
	if err != nil {
		return fmt.Errorf("mainnet client: %w", err)
	}
	mainnet, err := chain.NewGateway(mainnetClient, cfg.SettlementContract, cfg.PaymentToken, log)
	if err != nil {
		return err
	}

	var testnet settlement.Gateway
	if cfg.TestNetwork != "" {
		testnetClient, err := chain.DialEthClient(ctx, cfg.TestnetRPCURL, cfg.SignerPrivateKey,
			chain.WithClientLogger(log.WithField("network", cfg.TestNetwork)))
		if err != nil {
			return fmt.Errorf("testnet client: %w", err)
		}
		gw, err := chain.NewGateway(testnetClient, cfg.SettlementContract, cfg.PaymentToken, log)
		if err != nil {
			return err
		}
		testnet = gw
	}

	// ========================================================================
	// Collaborators
	// ========================================================================

	var alerter settlement.Alerter = alert.NewLogAlerter(log)
	if cfg.AlertWebhookURL != "" {
		alerter = alert.NewWebhookAlerter(alert.WebhookConfig{URL: cfg.AlertWebhookURL}, log)
	}

	vendor := fulfillment.NewClient(&fulfillment.Config{
		BaseURL: cfg.VendorBaseURL,
		UserID:  cfg.VendorUserID,
		APIKey:  cfg.VendorAPIKey,
		Log:     log,
	})

	quotes := quote.NewCoinGecko(quote.Config{
		BaseURL: cfg.CoinGeckoBaseURL,
		APIKey:  cfg.CoinGeckoAPIKey,
		AssetID: cfg.QuoteAssetID,
		Fiat:    cfg.QuoteFiat,
	})

	var replay settlement.ReplayStore = settlement.NewReplayCache(cfg.ReplayTTL)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		replay = idempotency.NewRedisStore(rdb, cfg.ReplayTTL)
	}

	// ========================================================================
	// Orchestrators
	// ========================================================================

	refunds := settlement.NewRefundOrchestrator(store, mainnet, testnet, alerter, log)

	opts := []settlement.Option{
		settlement.WithLogger(log),
		settlement.WithReplayStore(replay),
		settlement.WithAlerter(alerter),
	}

	var queue *swap.Queue
	if cfg.SwapEnabled() {
		executor, err := chain.NewSwapExecutor(mainnetClient, cfg.SwapRouter, cfg.SwapTokens, "")
		if err != nil {
			return err
		}
		queue = swap.NewQueue(store, executor,
			swap.WithLeaseTTL(cfg.SwapLeaseTTL),
			swap.WithLogger(log))
		opts = append(opts, settlement.WithSwapQueue(queue))
	}

	orchestrator := settlement.NewOrchestrator(settlement.OrchestratorConfig{
		ProductionNetwork: settlement.Network(cfg.ProductionNetwork),
		MinFiatAmount:     cfg.MinFiatAmount,
		FeeBps:            cfg.ServiceFeeBps,
		SwapFromAsset:     cfg.SwapFromAsset,
		SwapToAsset:       cfg.SwapToAsset,
		Ledger:            store,
		Quotes:            quotes,
		Refunds:           refunds,
	}, opts...)
	orchestrator.Register(settlement.Network(cfg.ProductionNetwork), mainnet)
	for _, adapter := range fulfillment.Adapters(vendor) {
		orchestrator.RegisterAdapter(adapter)
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer, "settlement")
	m.Instrument(orchestrator, refunds, queue)

	// ========================================================================
	// HTTP
	// ========================================================================

	apiCfg := api.Config{
		Purchases:      orchestrator,
		Refunds:        refunds,
		Records:        store,
		Metrics:        m,
		SessionTimeout: cfg.SessionTimeout,
		Log:            log,
	}
	if queue != nil {
		apiCfg.Swaps = queue
		apiCfg.MCP = mcp.NewServer(store, queue, version, log).Handler()
	} else {
		apiCfg.MCP = mcp.NewServer(store, nil, version, log).Handler()
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(apiCfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if queue != nil {
		n, err := queue.Recover(ctx)
		if err != nil {
			log.WithError(err).Error("swap job recovery failed")
		} else if n > 0 {
			log.WithField("jobs", n).Info("recovered swap jobs")
		}
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"port": cfg.Port, "network": cfg.ProductionNetwork}).Info("settlementd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	if queue != nil {
		if err := queue.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("swap queue shutdown incomplete")
		}
	}
	return nil
}
