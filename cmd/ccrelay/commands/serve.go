package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ccrelay/gateway/internal/executor"
	"github.com/ccrelay/gateway/internal/gateway"
	"github.com/ccrelay/gateway/internal/pool"
	"github.com/ccrelay/gateway/internal/refresher"
	"github.com/ccrelay/gateway/internal/strategy"
	"github.com/ccrelay/gateway/internal/telemetry"
	"github.com/ccrelay/gateway/internal/upstream"
	"github.com/ccrelay/gateway/pkg/cache"
	"github.com/ccrelay/gateway/pkg/config"
	"github.com/ccrelay/gateway/pkg/models"
	"github.com/ccrelay/gateway/pkg/secure"
	"github.com/ccrelay/gateway/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	devMode bool
	verbose bool
)

// ServeCmd starts the gateway server.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ccrelay gateway server",
	Long: `Start the ccrelay gateway server: loads the account pool from disk,
wires the selection strategy, request executor, and quota refresher, and
begins serving the Anthropic-compatible Messages API.`,
	Example: `  # Start server with default settings
  ccrelay serve

  # Start in development mode with verbose logging
  ccrelay serve --dev --verbose

  # Start with a custom config
  ccrelay serve -c /path/to/config.yaml`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (pretty console logging)")
	ServeCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging (debug level)")
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogger(verbose, devMode)
	if !verbose {
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			if parsed, err := zerolog.ParseLevel(lvl); err == nil {
				zerolog.SetGlobalLevel(parsed)
			}
		}
	}

	log.Info().Msg("starting ccrelay gateway")

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("strategy", cfg.Pool.Strategy).
		Bool("dev_mode", devMode).
		Msg("configuration loaded")

	box, err := secure.NewBox(os.Getenv(cfg.Auth.MasterKeyEnv))
	if err != nil {
		return fmt.Errorf("failed to build credential box: %w", err)
	}

	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open account store: %w", err)
	}
	records, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	accounts := make([]*models.Account, 0, len(records))
	for _, r := range records {
		a, err := r.ToAccount()
		if err != nil {
			log.Warn().Err(err).Str("account_id", r.ID).Msg("skipping unreadable account record")
			continue
		}
		accounts = append(accounts, a)
	}
	log.Info().Int("accounts", len(accounts)).Msg("account pool loaded")

	strat := strategy.New(cfg.Pool.Strategy)

	tokenRefresher := upstream.NewOAuthTokenRefresher(box, cfg.Upstream.TokenURL, cfg.Upstream.ClientID, cfg.Upstream.ClientSecret, cfg.Executor.RequestTimeout)
	projectResolver := upstream.NewCloudProjectResolver(cfg.Upstream.ProjectDiscoverURL, cfg.Executor.RequestTimeout)
	quotaChecker := upstream.NewCloudQuotaChecker(cfg.Upstream.QuotaURL, cfg.Executor.RequestTimeout)

	credCache, err := buildTokenCache(cfg)
	if err != nil {
		return fmt.Errorf("failed to build token cache: %w", err)
	}

	p := pool.New(accounts, strat, tokenRefresher, projectResolver, credCache)

	endpoints := make(upstream.StaticEndpointList, 0, len(cfg.Upstream.Endpoints))
	for _, base := range cfg.Upstream.Endpoints {
		endpoints = append(endpoints, upstream.Endpoint{Name: base, BaseURL: base})
	}
	httpClient := upstream.NewHTTPClient(cfg.Executor.RequestTimeout)
	decoder := upstream.NewSSEDecoder()
	builder := upstream.NewCloudCodeRequestBuilder(cfg.Upstream.StreamingModels)
	fallback := executor.DefaultFallbackChain()

	var metrics *telemetry.Metrics
	if cfg.Monitoring.Prometheus.Enabled {
		metrics = telemetry.New(p, cfg.Upstream.Models)
	}
	// A typed *telemetry.Metrics nil would make a non-nil MetricsSink
	// interface value, so only pass it through when it's genuinely set.
	var execMetrics executor.MetricsSink
	if metrics != nil {
		execMetrics = metrics
	}

	execCfg := executorConfigFromYAML(cfg.Executor)
	ex := executor.New(p, endpoints, httpClient, decoder, builder, fallback, execCfg, execMetrics)

	refreshCfg := refresher.Config{Interval: cfg.Refresher.Interval, StaggerDelay: cfg.Refresher.StaggerDelay}
	rf := refresher.New(p, quotaChecker, projectResolver, store, refreshCfg)

	refreshCtx, cancelRefresh := context.WithCancel(context.Background())
	defer cancelRefresh()
	go rf.Run(refreshCtx)

	gw := gateway.New(cfg, p, ex, metrics, cfg.Auth.APIKeys, cfg.Upstream.Models)

	go func() {
		if err := gw.Start(); err != nil {
			log.Fatal().Err(err).Msg("gateway failed to start")
		}
	}()

	log.Info().Msgf("gateway listening on http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Info().Msgf("health check: http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	if cfg.Monitoring.Prometheus.Enabled {
		log.Info().Msgf("metrics: http://%s:%d/metrics", cfg.Server.Host, cfg.Server.Port)
	}
	log.Info().Msg("press ctrl+c to stop")

	return waitForShutdown(gw, cancelRefresh)
}

func buildTokenCache(cfg *config.Config) (cache.TokenCache, error) {
	if cfg.Redis.Enabled {
		return cache.NewRedisTokenCache(cfg.Redis.Host, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
	}
	return cache.NewMemoryTokenCache(1024), nil
}

func executorConfigFromYAML(c config.ExecutorConfig) executor.Config {
	cfg := executor.DefaultConfig()
	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	if c.MaxEmptyResponseRetries > 0 {
		cfg.MaxEmptyResponseRetries = c.MaxEmptyResponseRetries
	}
	if c.MaxWaitBeforeErrorMs > 0 {
		cfg.MaxWaitBeforeError = c.MaxWaitBeforeErrorMs
	}
	if c.MaxConsecutiveFailures > 0 {
		cfg.MaxConsecutiveFailures = c.MaxConsecutiveFailures
	}
	if c.ExtendedCooldownDuration > 0 {
		cfg.ExtendedCooldownDuration = c.ExtendedCooldownDuration
	}
	if c.MaxCapacityRetries > 0 {
		cfg.MaxCapacityRetries = c.MaxCapacityRetries
	}
	if c.CapacityRetryDelay > 0 {
		cfg.CapacityRetryDelay = c.CapacityRetryDelay
	}
	if len(c.CapacityBackoffTiers) > 0 {
		cfg.CapacityBackoffTiers = c.CapacityBackoffTiers
	}
	if len(c.QuotaExhaustedBackoffTiers) > 0 {
		cfg.QuotaExhaustedBackoffTiers = c.QuotaExhaustedBackoffTiers
	}
	if c.MinBackoff > 0 {
		cfg.MinBackoff = c.MinBackoff
	}
	if c.RequestTimeout > 0 {
		cfg.RequestTimeout = c.RequestTimeout
	}
	if c.NonStreamingTimeout > 0 {
		cfg.NonStreamingTimeout = c.NonStreamingTimeout
	}
	if c.StreamDrainTimeout > 0 {
		cfg.StreamDrainTimeout = c.StreamDrainTimeout
	}
	cfg.FallbackEnabled = c.FallbackEnabled
	return cfg
}

func waitForShutdown(gw *gateway.Gateway, cancelRefresh context.CancelFunc) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down gracefully")
	cancelRefresh()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := gw.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
		return err
	}

	log.Info().Msg("ccrelay gateway stopped cleanly")
	return nil
}

func setupLogger(verbose, dev bool) {
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if dev {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}
}
