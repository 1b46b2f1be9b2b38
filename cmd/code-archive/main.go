// Command code-archive moves voucher codes that reached a terminal state
// (used, expired, cancelled) more than a retention age ago out of the
// database into gzip NDJSON files, one file per batch.
package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/kart-promo/internal/domain/redemption"
	"github.com/xenking/kart-promo/internal/repository"
)

type config struct {
	DatabaseURL string        `usage:"PostgreSQL connection URL (or DATABASE_URL)" flag:"database-url"`
	Dir         string        `default:"archive" usage:"Output directory" flag:"dir"`
	Retention   time.Duration `default:"2160h" usage:"Archive codes untouched for longer than this" flag:"retention"`
	BatchSize   int           `default:"10000" usage:"Codes per transaction and file" flag:"batch-size"`
}

func main() {
	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	var cfg config
	if err := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KART_ARCHIVE",
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
	if cfg.BatchSize <= 0 {
		lg.Fatal("Batch size must be positive", zap.Int("batch_size", cfg.BatchSize))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, cfg); err != nil {
		lg.Fatal("Archive failed", zap.Error(err))
	}
}

// archiver is implemented by *repository.RedemptionStore.
type archiver interface {
	ArchiveCodes(ctx context.Context, cutoff time.Time, limit int, fn func([]redemption.Code) error) (int64, error)
}

func run(ctx context.Context, lg *zap.Logger, cfg config) error {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return errors.Wrap(err, "create output dir")
	}

	pool, err := repository.NewPool(ctx, repository.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	w := &batchWriter{dir: cfg.Dir, now: time.Now}
	cutoff := time.Now().Add(-cfg.Retention)
	lg.Info("Archiving codes", zap.Time("cutoff", cutoff), zap.String("dir", cfg.Dir))

	total, err := archiveAll(ctx, lg, repository.NewRedemptionStore(pool), w, cutoff, cfg.BatchSize)
	if err != nil {
		return err
	}
	lg.Info("Archive completed", zap.Int64("codes", total), zap.Int("files", w.seq))
	return nil
}

// archiveAll drains archivable codes batch by batch until none are left.
func archiveAll(ctx context.Context, lg *zap.Logger, store archiver, w *batchWriter, cutoff time.Time, batchSize int) (int64, error) {
	var total int64
	for {
		var path string
		n, err := store.ArchiveCodes(ctx, cutoff, batchSize, func(codes []redemption.Code) error {
			p, err := w.Write(ctx, codes)
			path = p
			return err
		})
		if err != nil {
			return total, errors.Wrap(err, "archive batch")
		}
		if n == 0 {
			return total, nil
		}
		total += n
		lg.Info("Archived batch", zap.Int64("codes", n), zap.String("file", path))
	}
}
