package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/localrank/internal/config"
	"github.com/sells-group/localrank/internal/cost"
	"github.com/sells-group/localrank/internal/db"
	"github.com/sells-group/localrank/internal/heatmap"
	"github.com/sells-group/localrank/internal/quota"
	"github.com/sells-group/localrank/internal/resilience"
	"github.com/sells-group/localrank/internal/store"
	"github.com/sells-group/localrank/pkg/google"
)

// initStore opens and migrates the configured store. Callers close it.
func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, db.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initLedger builds the quota ledger over st from the configured catalog.
func initLedger(st quota.Store) (*quota.Ledger, error) {
	var (
		plans quota.Catalog
		err   error
	)
	if cfg.Quota.PlansFile != "" {
		plans, err = quota.LoadCatalog(cfg.Quota.PlansFile)
	} else {
		plans, err = quota.DefaultCatalog()
	}
	if err != nil {
		return nil, err
	}
	return quota.NewLedger(st, plans, quota.WithDefaultPlan(cfg.Quota.DefaultPlan)), nil
}

// scanEnv holds everything the scan, serve and worker commands share.
type scanEnv struct {
	Store   store.Store
	Ledger  *quota.Ledger
	Scanner *heatmap.Scanner
}

// Close releases the store.
func (e *scanEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initScanEnv wires the Google client, checker, ledger and scanner.
// Callers should defer env.Close().
func initScanEnv(ctx context.Context, mode string) (*scanEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	ledger, err := initLedger(st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	scanner := buildScanner(cfg, st, ledger)
	zap.L().Info("scan engine ready",
		zap.String("store", cfg.Store.Driver),
		zap.Int("depth", cfg.Heatmap.Depth),
		zap.Int("delay_ms", cfg.Heatmap.DelayMs),
	)
	return &scanEnv{Store: st, Ledger: ledger, Scanner: scanner}, nil
}

func buildScanner(c *config.Config, st heatmap.Store, ledger heatmap.Ledger) *heatmap.Scanner {
	opts := []google.Option{google.WithBaseURL(c.Google.BaseURL)}
	if c.Google.TimeoutSecs > 0 {
		opts = append(opts, google.WithHTTPClient(&http.Client{Timeout: time.Duration(c.Google.TimeoutSecs) * time.Second}))
	}
	client := google.NewClient(c.Google.Key, opts...)
	provider := heatmap.NewGoogleProvider(client, float64(c.Google.BiasRadiusM), c.Google.LanguageCode)

	checker := heatmap.NewChecker(provider, heatmap.CheckerConfig{
		Delay: time.Duration(c.Heatmap.DelayMs) * time.Millisecond,
		Retry: resilience.NewPolicy(c.Heatmap.Retry.MaxAttempts, c.Heatmap.Retry.InitialBackoffMs, c.Heatmap.Retry.MaxBackoffMs),
		Breaker: resilience.BreakerConfig{
			FailureThreshold: c.Heatmap.Breaker.FailureThreshold,
			Cooldown:         time.Duration(c.Heatmap.Breaker.CooldownSecs) * time.Second,
		},
	})

	costs := cost.NewCalculator(cost.RatesFromConfig(c.Pricing.Google.PerRequest))

	persist := heatmap.DefaultPersistRetry()
	if c.Heatmap.PersistAttempts > 0 {
		persist.MaxAttempts = c.Heatmap.PersistAttempts
	}
	return heatmap.NewScanner(provider, checker, ledger, st, costs, heatmap.ScannerConfig{
		Depth:         c.Heatmap.Depth,
		WeakLocations: c.Heatmap.WeakLocations,
		ScanTimeout:   time.Duration(c.Heatmap.ScanTimeoutSecs) * time.Second,
		PersistRetry:  persist,
	})
}
