// Command seed-db applies the schema and upserts a demo catalog: categories,
// products, promotions, voucher templates and accounts. Rows are keyed by id,
// so running it twice leaves the same data.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/cristalhq/aconfig"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/kart-promo/db"
	"github.com/xenking/kart-promo/internal/cache/rulecache"
	"github.com/xenking/kart-promo/internal/repository"
)

type config struct {
	DatabaseURL string `usage:"PostgreSQL connection URL (or DATABASE_URL)" flag:"database-url"`
	File        string `usage:"Seed catalog YAML; the embedded demo catalog when empty" flag:"file"`
	// RedisAddrs, when set, drops the shared promotion snapshot after seeding
	// so running servers pick up the new rules.
	RedisAddrs    []string `usage:"Redis addresses of the shared rule cache" flag:"redis-addrs"`
	RedisPassword string   `usage:"Redis password" flag:"redis-password"`
}

func main() {
	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	var cfg config
	if err := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KART_SEED",
		SkipFiles: true,
	}).Load(); err != nil {
		lg.Fatal("Load config", zap.Error(err))
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.DatabaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, cfg); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, cfg config) error {
	data := db.SeedCatalog
	if cfg.File != "" {
		b, err := os.ReadFile(cfg.File)
		if err != nil {
			return errors.Wrap(err, "read seed file")
		}
		data = b
	}
	c, err := parseCatalog(data)
	if err != nil {
		return errors.Wrap(err, "parse catalog")
	}

	pool, err := repository.NewPool(ctx, repository.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := upsert(ctx, pool, c); err != nil {
		return err
	}
	lg.Info("Upserted catalog",
		zap.Int("categories", len(c.Categories)),
		zap.Int("products", len(c.Products)),
		zap.Int("promotions", len(c.Promotions)),
		zap.Int("templates", len(c.Templates)),
		zap.Int("accounts", len(c.Accounts)),
	)

	if len(cfg.RedisAddrs) == 0 {
		return nil
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.RedisAddrs,
		Password: cfg.RedisPassword,
	})
	defer func() { _ = rdb.Close() }()

	rules := rulecache.New(repository.NewPromotionRepository(pool), rdb, 0)
	if err := rules.Invalidate(ctx); err != nil {
		return err
	}
	lg.Info("Dropped shared promotion snapshot")
	return nil
}

const (
	upsertCategorySQL = `
INSERT INTO categories (id, name) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`

	upsertProductSQL = `
INSERT INTO products (id, category_id, name, base_price) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
    category_id = EXCLUDED.category_id,
    name        = EXCLUDED.name,
    base_price  = EXCLUDED.base_price`

	upsertPromotionSQL = `
INSERT INTO promotions (
    id, name, scope_kind, scope_ref_id, discount_kind, percent, target_price,
    start_date, end_date, window_start, window_end, weekdays, visible, apply_to_price
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
    name           = EXCLUDED.name,
    scope_kind     = EXCLUDED.scope_kind,
    scope_ref_id   = EXCLUDED.scope_ref_id,
    discount_kind  = EXCLUDED.discount_kind,
    percent        = EXCLUDED.percent,
    target_price   = EXCLUDED.target_price,
    start_date     = EXCLUDED.start_date,
    end_date       = EXCLUDED.end_date,
    window_start   = EXCLUDED.window_start,
    window_end     = EXCLUDED.window_end,
    weekdays       = EXCLUDED.weekdays,
    visible        = EXCLUDED.visible,
    apply_to_price = EXCLUDED.apply_to_price`

	// redeemed is left alone so re-seeding keeps issued units counted.
	upsertTemplateSQL = `
INSERT INTO voucher_templates (
    id, name, code_prefix, kind, value, min_order, max_discount, point_cost,
    expires_at, active, total_quantity
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
    name           = EXCLUDED.name,
    code_prefix    = EXCLUDED.code_prefix,
    kind           = EXCLUDED.kind,
    value          = EXCLUDED.value,
    min_order      = EXCLUDED.min_order,
    max_discount   = EXCLUDED.max_discount,
    point_cost     = EXCLUDED.point_cost,
    expires_at     = EXCLUDED.expires_at,
    active         = EXCLUDED.active,
    total_quantity = CASE
        WHEN EXCLUDED.total_quantity IS NULL THEN NULL
        ELSE GREATEST(EXCLUDED.total_quantity, voucher_templates.redeemed)
    END`

	upsertAccountSQL = `
INSERT INTO accounts (id, email, points) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, points = EXCLUDED.points`
)

func upsert(ctx context.Context, pool *pgxpool.Pool, c *catalog) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, cat := range c.Categories {
			b.Queue(upsertCategorySQL, cat.ID, cat.Name)
		}
		for _, p := range c.Products {
			b.Queue(upsertProductSQL, p.ID, p.CategoryID, p.Name, p.BasePrice)
		}
		for _, r := range c.Promotions {
			var windowStart, windowEnd pgtype.Time
			if r.Window != nil {
				windowStart = pgtype.Time{Microseconds: r.Window.Start.Microseconds(), Valid: true}
				windowEnd = pgtype.Time{Microseconds: r.Window.End.Microseconds(), Valid: true}
			}
			weekdays := make([]int16, 0, 7)
			for _, d := range r.Weekdays.Days() {
				weekdays = append(weekdays, int16(d))
			}
			b.Queue(upsertPromotionSQL,
				r.ID, r.Name, string(r.Scope.Kind), r.Scope.RefID,
				string(r.Discount.Kind), int16(r.Discount.Percent), r.Discount.Target,
				r.StartDate, r.EndDate, windowStart, windowEnd, weekdays,
				r.Visible, r.ApplyToPrice,
			)
		}
		for _, t := range c.Templates {
			b.Queue(upsertTemplateSQL,
				t.ID, t.Name, t.CodePrefix, string(t.Kind), t.Value, t.MinOrder,
				t.MaxDiscount, t.PointCost, t.ExpiresAt, t.Active, t.TotalQuantity,
			)
		}
		for _, a := range c.Accounts {
			b.Queue(upsertAccountSQL, a.ID, a.Email, a.Points)
		}
		// Explicit ids leave the sequences behind; move them past the seeded rows.
		for _, table := range []string{"categories", "products", "promotions", "voucher_templates", "accounts"} {
			b.Queue(`SELECT setval(pg_get_serial_sequence($1, 'id'), GREATEST((SELECT COALESCE(MAX(id), 0) FROM `+table+`), 1))`, table)
		}

		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return errors.Wrap(err, "upsert catalog")
		}
		return nil
	})
}
