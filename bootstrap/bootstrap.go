// Package bootstrap wires all dependencies and starts the application.
// Configuration comes from a YAML file when one exists, environment
// variables otherwise.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/artpar/tokenmeter/adapters/badger"
	"github.com/artpar/tokenmeter/adapters/clock"
	apihttp "github.com/artpar/tokenmeter/adapters/http"
	"github.com/artpar/tokenmeter/adapters/idgen"
	"github.com/artpar/tokenmeter/adapters/inference"
	"github.com/artpar/tokenmeter/adapters/memory"
	"github.com/artpar/tokenmeter/adapters/metrics"
	"github.com/artpar/tokenmeter/adapters/postgres"
	"github.com/artpar/tokenmeter/adapters/redis"
	"github.com/artpar/tokenmeter/adapters/sqlite"
	"github.com/artpar/tokenmeter/app"
	"github.com/artpar/tokenmeter/config"
	"github.com/artpar/tokenmeter/domain/provider"
	"github.com/artpar/tokenmeter/pkg/retry"
	"github.com/artpar/tokenmeter/ports"
)

// Options configures application initialization.
type Options struct {
	// ConfigPath is the YAML config file. When empty or missing, config is
	// read from TOKENMETER_* environment variables and hot reload is off.
	ConfigPath string

	// Version is reported by /version.
	Version string

	// Registerer receives the metrics. Nil uses the Prometheus default
	// registry and exposes it on the metrics path.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config // As loaded at startup; see CurrentConfig
	Engine     *app.Engine
	Billing    *app.BillingService
	Metrics    *metrics.Collector
	HTTPServer *http.Server

	// Users is the SQLite user directory; nil for other drivers.
	Users *sqlite.UserStore

	holder  *config.Holder
	checks  map[string]apihttp.HealthChecker
	closers []namedCloser
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

type namedCloser struct {
	name  string
	close func() error
}

// New creates and initializes the application.
func New(opts Options) (*App, error) {
	cfg, err := config.LoadWithFallback(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	a := &App{
		Logger: logger,
		checks: make(map[string]apihttp.HealthChecker),
		stop:   make(chan struct{}),
	}

	if opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err == nil {
			a.holder, err = config.NewHolder(opts.ConfigPath, logger)
			if err != nil {
				return nil, err
			}
			cfg = a.holder.Get()
		}
	}
	a.Config = cfg

	logger.Info().
		Str("database", cfg.Database.Driver).
		Str("rate_limit", cfg.RateLimit.Backend).
		Str("cache", cfg.Cache.Backend).
		Str("upstream", cfg.Upstream.Mode).
		Msg("initializing tokenmeter")

	if cfg.Metrics.Enabled {
		if opts.Registerer != nil {
			a.Metrics = metrics.NewWithRegistry(opts.Registerer)
		} else {
			a.Metrics = metrics.New()
		}
	}

	if err := a.init(context.Background(), opts); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, opts Options) error {
	cfg := a.Config

	store, err := a.initStore(ctx)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	var rdb *goredis.Client
	if cfg.RateLimit.Backend == "redis" || cfg.Cache.Backend == "redis" {
		rdb, err = a.initRedis(ctx)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
	}

	limiter := a.initRateLimiter(rdb)

	cache, err := a.initCache(rdb)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}

	settings, err := SettingsFromConfig(cfg)
	if err != nil {
		return err
	}

	deps := app.Deps{
		Store:       store,
		RateLimiter: limiter,
		Cache:       cache,
		Invoker:     a.initInvoker(),
		Clock:       clock.Real{},
		IDs:         idgen.UUID{},
		Logger:      a.Logger,
		Metrics:     a.Metrics,
	}
	if cfg.Quota.RegisteredUsersOnly {
		deps.Users = a.Users
	}

	a.Engine, err = app.NewEngine(deps, settings)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	a.Billing = app.NewBillingService(a.Engine, a.Logger, a.Metrics)

	if a.holder != nil {
		a.holder.OnChange(a.applyConfig)
		a.holder.OnReload(a.Metrics.RecordReload)
	}

	a.initHTTPServer(opts)
	return nil
}

func (a *App) initStore(ctx context.Context) (ports.LedgerStore, error) {
	cfg := a.Config.Database

	switch cfg.Driver {
	case "memory":
		a.Logger.Warn().Msg("using in-memory ledger store, balances are lost on restart")
		return memory.NewLedgerStore(0), nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.addCloser("postgres", func() error { pool.Close(); return nil })
		a.checks["store"] = apihttp.HealthCheckFunc(pool.Ping)

		var opts []postgres.Option
		if cfg.TablePrefix != "" {
			opts = append(opts, postgres.WithTablePrefix(cfg.TablePrefix))
		}
		store := postgres.New(pool, opts...)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		if cfg.IdempotencyTTL > 0 {
			a.every(time.Hour, func() {
				n, err := store.CleanupIdempotency(context.Background(), cfg.IdempotencyTTL)
				if err != nil {
					a.Logger.Error().Err(err).Msg("idempotency cleanup failed")
					return
				}
				a.Logger.Debug().Int64("removed", n).Msg("idempotency keys pruned")
			})
		}
		return store, nil

	default:
		db, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		a.addCloser("sqlite", db.Close)
		a.checks["store"] = apihttp.HealthCheckFunc(db.PingContext)

		if err := db.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.Users = sqlite.NewUserStore(db)
		a.Logger.Info().Str("path", cfg.DSN).Msg("database initialized")
		return sqlite.NewLedgerStore(db), nil
	}
}

func (a *App) initRedis(ctx context.Context) (*goredis.Client, error) {
	cfg := a.Config.Redis
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	a.addCloser("redis", client.Close)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping %s: %w", cfg.Addr, err)
	}
	a.checks["redis"] = apihttp.HealthCheckFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	return client, nil
}

func (a *App) initRateLimiter(rdb *goredis.Client) ports.RateLimitStore {
	cfg := a.Config.RateLimit
	if cfg.Backend == "redis" {
		return redis.NewRateLimitStore(rdb, redisOptions(cfg.KeyPrefix)...)
	}
	store := memory.NewRateLimitStore(memory.RateLimitConfig{
		NumShards:       cfg.Shards,
		CleanupInterval: cfg.CleanupInterval,
		IdleTTL:         cfg.IdleTTL,
	})
	a.addCloser("rate limiter", store.Close)
	return store
}

func (a *App) initCache(rdb *goredis.Client) (ports.ResponseCache, error) {
	cfg := a.Config.Cache

	switch cfg.Backend {
	case "memory":
		c := memory.NewResponseCache(memory.CacheConfig{MaxEntries: cfg.MaxEntries})
		a.addCloser("cache", c.Close)
		return c, nil
	case "redis":
		return redis.NewCache(rdb, redisOptions(cfg.KeyPrefix)...), nil
	case "badger":
		c, err := badger.Open(cfg.Dir)
		if err != nil {
			return nil, err
		}
		a.addCloser("cache", c.Close)
		a.every(cfg.GCInterval, func() {
			if err := c.RunGC(); err != nil {
				a.Logger.Warn().Err(err).Msg("badger value log gc failed")
			}
		})
		return c, nil
	default:
		return nil, nil
	}
}

func redisOptions(prefix string) []redis.Option {
	if prefix == "" {
		return nil
	}
	return []redis.Option{redis.WithKeyPrefix(prefix)}
}

func (a *App) initInvoker() ports.Invoker {
	cfg := a.Config

	if cfg.Upstream.Mode == "mock" {
		a.Logger.Warn().Msg("using mock upstream, no provider is called")
		return inference.NewMock()
	}

	endpoints := make(map[provider.ID]inference.Endpoint)
	for _, p := range provider.All() {
		pc, ok := cfg.Endpoint(p)
		if !ok || pc.BaseURL == "" {
			continue
		}
		endpoints[p] = inference.Endpoint{BaseURL: pc.BaseURL, APIKey: pc.APIKey}
	}
	if len(endpoints) == 0 {
		a.Logger.Warn().Msg("no provider base_url configured, every invoke will fail")
	}

	return inference.NewHTTPInvoker(endpoints,
		inference.WithHTTPClient(&http.Client{Timeout: cfg.Upstream.Timeout}),
		inference.WithRetryPolicy(retry.Policy{
			MaxAttempts:     cfg.Upstream.MaxAttempts,
			InitialInterval: cfg.Upstream.InitialInterval,
			MaxInterval:     cfg.Upstream.MaxInterval,
		}),
	)
}

func (a *App) initHTTPServer(opts Options) {
	cfg := a.Config

	routerCfg := apihttp.RouterConfig{
		MetricsPath: cfg.Metrics.Path,
		Timeout:     cfg.Server.WriteTimeout,
		Version:     opts.Version,
	}
	if a.Metrics != nil {
		routerCfg.Metrics = a.Metrics
		if opts.Gatherer != nil {
			routerCfg.MetricsHandler = promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})
		}
	}

	router := apihttp.NewRouter(
		apihttp.NewLedgerHandler(a.Engine, a.Logger),
		apihttp.NewHealthHandler(a.checks),
		a.Logger,
		routerCfg,
	)

	a.HTTPServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// SettingsFromConfig derives the engine's hot-reloadable settings.
func SettingsFromConfig(cfg *config.Config) (app.Settings, error) {
	cat, err := cfg.Catalog()
	if err != nil {
		return app.Settings{}, err
	}
	s := app.Settings{
		Catalog:         cat,
		PremiumDaily:    cfg.Quota.PremiumDaily,
		Location:        cfg.Location(),
		ConflictRetries: cfg.Quota.ConflictRetries,
		InvokeTimeout:   cfg.Quota.InvokeTimeout,
	}
	if cfg.Cache.Backend != "none" {
		s.CacheTTL = cfg.Cache.TTL
	}
	if err := s.Validate(); err != nil {
		return app.Settings{}, err
	}
	return s, nil
}

// applyConfig pushes a reloaded config into the running engine.
func (a *App) applyConfig(cfg *config.Config) {
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	s, err := SettingsFromConfig(cfg)
	if err == nil {
		err = a.Engine.UpdateConfig(s)
	}
	if err != nil {
		a.Logger.Error().Err(err).Msg("reloaded config rejected by engine")
		return
	}
	a.Logger.Info().Msg("engine settings updated")
}

// CurrentConfig returns the latest successfully loaded config.
func (a *App) CurrentConfig() *config.Config {
	if a.holder != nil {
		return a.holder.Get()
	}
	return a.Config
}

// Reload re-reads the config file and applies it.
func (a *App) Reload() error {
	if a.holder == nil {
		return errors.New("no config file to reload")
	}
	return a.holder.Reload()
}

// HealthCheck runs every dependency check.
func (a *App) HealthCheck(ctx context.Context) error {
	var errs []error
	for name, c := range a.checks {
		if err := c.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	if a.holder != nil {
		if err := a.holder.WatchFile(); err != nil {
			a.Logger.Warn().Err(err).Msg("config file watch unavailable")
		}
		a.holder.WatchSignals()
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		a.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application. It is safe to call twice.
func (a *App) Shutdown() error {
	a.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if a.HTTPServer != nil {
			if err := a.HTTPServer.Shutdown(ctx); err != nil {
				a.Logger.Error().Err(err).Msg("http server shutdown error")
			}
		}
		if a.holder != nil {
			a.holder.Stop()
		}
		a.closeAll()
		a.Logger.Info().Msg("shutdown complete")
	})
	return nil
}

func (a *App) closeAll() {
	close(a.stop)
	a.wg.Wait()

	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.Logger.Error().Err(err).Str("component", c.name).Msg("close error")
		}
	}
	a.closers = nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// every runs fn on a ticker until shutdown.
func (a *App) every(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				fn()
			case <-a.stop:
				return
			}
		}
	}()
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
