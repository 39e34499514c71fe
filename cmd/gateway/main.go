package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aoxiansheng/stock-api-sub020/internal/cache"
	"github.com/aoxiansheng/stock-api-sub020/internal/platform/config"
	"github.com/aoxiansheng/stock-api-sub020/internal/platform/observability"
	"github.com/aoxiansheng/stock-api-sub020/internal/platform/resilience"
	"github.com/aoxiansheng/stock-api-sub020/internal/symbols"
)

// alwaysOpenMarket is the default status provider when no upstream is
// configured; unknown state resolves to the conservative short TTL.
type alwaysOpenMarket struct{}

func (alwaysOpenMarket) Status(_ context.Context, market string) (cache.MarketState, error) {
	return cache.MarketState{Market: market, IsOpen: true, SessionPhase: "trading"}, nil
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.MustLoad(*configPath)

	logger := observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)

	metrics, err := observability.NewMetrics("market-data-gateway", cfg.Observability.Metrics.Enabled)
	if err != nil {
		log.Fatalf("Failed to create metrics: %v", err)
	}

	// Warm tier is optional; the cache core runs memory-only without it
	var warm cache.Store
	if cfg.Redis.Enabled {
		store, err := cache.NewRedisStore(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer store.Close()
		warm = store
	}

	policy := cache.NewTTLPolicy(cache.TTLConfig{
		Strong:       cfg.TTL.Strong,
		Weak:         cfg.TTL.Weak,
		MarketOpen:   cfg.TTL.MarketOpen,
		MarketIdle:   cfg.TTL.MarketIdle,
		AdaptiveBase: cfg.TTL.AdaptiveBase,
		AdaptiveMin:  cfg.TTL.AdaptiveMin,
		AdaptiveMax:  cfg.TTL.AdaptiveMax,
	}, alwaysOpenMarket{}, logger)

	cacheCtx := cache.NewContext(ctx, cache.ContextConfig{
		Smart: cache.SmartCacheConfig{
			MaxEntries:      cfg.Cache.MaxEntries,
			FetchTimeout:    cfg.Cache.FetchTimeout,
			BackgroundSlots: int64(cfg.Cache.BackgroundRefresh),
			RefreshWorkers:  cfg.Cache.RefreshWorkers,
			RefreshQueue:    cfg.Cache.RefreshQueueSize,
		},
		Stream: cache.StreamCacheConfig{
			HotMaxEntries:        cfg.Stream.HotMaxEntries,
			HotTTL:               cfg.Stream.HotTTL,
			WarmTTL:              cfg.Stream.WarmTTL,
			CompressionThreshold: cfg.Stream.CompressionThreshold,
			AutoHotMaxPoints:     cfg.Stream.AutoHotMaxPoints,
		},
		Eviction: cache.EvictionConfig{
			Interval:       cfg.Eviction.Interval,
			HighWaterMark:  cfg.Eviction.HighWaterMark,
			RetentionRatio: cfg.Eviction.RetentionRatio,
		},
	}, policy, warm, logger, metrics)
	defer cacheCtx.Close()

	source := symbols.NewResilientSource(
		symbols.NewStaticSource(nil),
		resilience.DefaultRetryConfig(),
		resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "rule-source"}),
		resilience.NewRateLimiter(cfg.SymbolMapper.SourceRateLimit, cfg.SymbolMapper.SourceBurst),
	)

	transformer := symbols.NewTransformer(symbols.TransformerConfig{
		RuleSetMaxEntries: cfg.SymbolMapper.RuleSetMaxEntries,
		SymbolMaxEntries:  cfg.SymbolMapper.SymbolMaxEntries,
		BatchMaxEntries:   cfg.SymbolMapper.BatchMaxEntries,
		RuleSetTTL:        cfg.SymbolMapper.RuleSetTTL,
		SymbolTTL:         cfg.SymbolMapper.SymbolTTL,
		BatchTTL:          cfg.SymbolMapper.BatchTTL,
		SourceTimeout:     cfg.SymbolMapper.SourceTimeout,
	}, source, logger, metrics)
	transformer.RegisterTiers(cacheCtx.Eviction)

	if len(cfg.SymbolMapper.WarmupProviders) > 0 {
		warmer := cache.NewWarmer(logger, cache.DefaultWarmupConfig())
		warmer.RegisterProvider(transformer.WarmupProvider(cfg.SymbolMapper.WarmupProviders))
		warmer.Warmup(ctx)
	}

	cacheCtx.Start(ctx)
	logger.LogInfo(ctx, "cache core started",
		"redis", cfg.Redis.Enabled,
		"background_slots", cfg.Cache.BackgroundRefresh)

	g, gctx := errgroup.WithContext(ctx)

	// Health and stats endpoints
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"tiers":   cacheCtx.Stats(),
			"symbols": transformer.Stats(),
			"stream":  cacheCtx.Stream.GetCacheStats(),
		})
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.LogInfo(gctx, "http server listening", "port", cfg.HTTP.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	var metricsServer *http.Server
	if cfg.Observability.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Observability.Metrics.Port),
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.LogInfo(gctx, "metrics server listening", "port", cfg.Observability.Metrics.Port)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.LogInfo(ctx, "shutting down", "signal", sig.String())
	case <-gctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	httpServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	cancel()

	if err := g.Wait(); err != nil {
		logger.LogError(context.Background(), "server error", err)
		os.Exit(1)
	}
}
