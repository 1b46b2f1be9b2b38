// Package app wires the API server.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-promo/internal/cache/rulecache"
	"github.com/xenking/kart-promo/internal/domain/checkout"
	"github.com/xenking/kart-promo/internal/domain/promotion"
	"github.com/xenking/kart-promo/internal/domain/redemption"
	"github.com/xenking/kart-promo/internal/domain/voucher"
	"github.com/xenking/kart-promo/internal/events"
	"github.com/xenking/kart-promo/internal/handler"
	"github.com/xenking/kart-promo/internal/repository"
	"github.com/xenking/kart-promo/internal/sweep"
	"github.com/xenking/kart-promo/pkg/health"
	"github.com/xenking/kart-promo/pkg/httpmiddleware"
)

const serviceName = "kart-promo"

// Telemetry is satisfied by *app.Telemetry of github.com/go-faster/sdk.
type Telemetry interface {
	TracerProvider() trace.TracerProvider
	MeterProvider() metric.MeterProvider
}

// Run creates all dependencies, starts the HTTP server and the background
// jobs, and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))
	g, ctx := errgroup.WithContext(ctx)

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, repository.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DB.MaxConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthReg := health.New()
	healthReg.Register(health.Readiness, "postgres", health.PingCheck(pool), health.WithTimeout(5*time.Second))
	healthReg.Register(health.Liveness, "goroutines", health.GoroutineCountCheck(10000))

	// Optional Redis: shared rule snapshot, sweep lock, shared rate limit.
	var rdb redis.UniversalClient
	if len(cfg.Redis.Addrs) > 0 {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		defer func() { _ = rdb.Close() }()
		healthReg.Register(health.Readiness, "redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	// Repositories.
	productRepo := repository.NewProductRepository(pool)
	voucherRepo := repository.NewVoucherRepository(pool)
	redemptionStore := repository.NewRedemptionStore(pool)

	var rules promotion.RuleSource = repository.NewPromotionRepository(pool)
	if rdb != nil {
		rules = rulecache.New(rules, rdb, cfg.Redis.RuleTTL)
	}

	// Domain services.
	ruleStore := promotion.NewStore(rules, promotion.StoreConfig{
		Location: cfg.Location(),
		TTL:      cfg.RuleTTL,
	})
	pricing := promotion.NewPriceService(productRepo, ruleStore, cfg.PricePlaces)
	catalog := voucher.NewCatalog(voucherRepo)

	filter := redemption.NewCodeFilter(cfg.CodeFilter.Capacity, cfg.CodeFilter.FPRate)
	if err := filter.Warm(ctx, redemptionStore); err != nil {
		return errors.Wrap(err, "warm code filter")
	}
	lg.Info("Code filter warmed", zap.Uint("codes", filter.Count()))
	healthReg.Register(health.Degraded, "code_filter",
		health.SaturationCheck(filter.FillRatio, cfg.CodeFilter.MaxFillPct))

	ledgerOpts := []redemption.Option{
		redemption.WithCodeFilter(filter),
		redemption.WithMaxAttempts(uint(cfg.Ledger.MaxAttempts)),
		redemption.WithRetryDelay(cfg.Ledger.RetryDelay),
		redemption.WithTracerProvider(m.TracerProvider()),
		redemption.WithMeterProvider(m.MeterProvider()),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := events.NewPublisher(events.NewWriter(events.WriterConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		}))
		ledgerOpts = append(ledgerOpts, redemption.WithPublishTimeout(cfg.Kafka.PublishTimeout))
		defer func() {
			if err := publisher.Close(); err != nil {
				lg.Error("Close event publisher", zap.Error(err))
			}
		}()
		ledgerOpts = append(ledgerOpts, redemption.WithPublisher(publisher))
	}
	ledger := redemption.NewLedger(redemptionStore, voucherRepo, ledgerOpts...)
	defer func() {
		// Runs before the publisher is closed.
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()
		if err := ledger.Close(closeCtx); err != nil {
			lg.Warn("Drain ledger events", zap.Error(err))
		}
	}()
	validator := checkout.NewValidator(ledger, cfg.PricePlaces)

	// Background jobs.
	g.Go(func() error {
		return healthReg.Run(ctx, 10*time.Second)
	})
	if cfg.Sweep.Enabled {
		opts := []sweep.Option{
			sweep.WithSchedule(cfg.Sweep.Schedule),
			sweep.WithTimeout(cfg.Sweep.Timeout),
		}
		if rdb != nil {
			opts = append(opts, sweep.WithLocker(sweep.NewRedisLocker(rdb, "kart:sweep:lock", cfg.Sweep.Timeout)))
		}
		sweeper := sweep.New(ledger, lg.Named("sweep"), opts...)
		g.Go(func() error {
			return sweeper.Run(ctx)
		})
	}

	var limiter httpmiddleware.Limiter
	if rdb != nil {
		limiter = httpmiddleware.NewRedisWindow(rdb, "kart:ratelimit", cfg.RateLimit.Max, cfg.RateLimit.Window)
	} else {
		sw := httpmiddleware.NewSlidingWindow(cfg.RateLimit.Max, cfg.RateLimit.Window)
		go sw.RunEviction(ctx)
		limiter = sw
	}

	// HTTP.
	h := handler.New(pricing, catalog, ledger, validator)
	root := chi.NewRouter()
	root.Get("/livez", healthReg.LiveEndpoint)
	root.Get("/readyz", healthReg.ReadyEndpoint)
	root.Mount("/api", h.Routes(
		httpmiddleware.Labeler(),
		httpmiddleware.LogRequests(),
	))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(root,
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.Instrument(serviceName, m),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				Origins:     cfg.CORS.Origins,
				Headers:     []string{"Content-Type", httpmiddleware.RequestIDHeader},
				Expose:      []string{httpmiddleware.RequestIDHeader, "Retry-After"},
				Credentials: cfg.CORS.AllowCredentials,
				MaxAge:      86400,
			}),
			httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.Max,
				Window:  cfg.RateLimit.Window,
				Limiter: limiter,
			}),
			httpmiddleware.RequestID(),
		),
	}
	healthReg.SetReady(true)

	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-ctx.Done()
		healthReg.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}
