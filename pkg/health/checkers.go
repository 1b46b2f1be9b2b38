package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports a dependency that stops answering Ping.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrap(err, "ping")
		}
		return nil
	}
}

// GoroutineCountCheck fails when the process runs more than limit goroutines.
func GoroutineCountCheck(limit int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > limit {
			return errors.Errorf("goroutine count %d exceeds %d", n, limit)
		}
		return nil
	}
}

// SaturationCheck fails once ratio reports more than limit. Used for the
// issued-code filter: past its sizing the false positive rate climbs and
// every redemption pays for regenerated codes.
func SaturationCheck(ratio func() float64, limit float64) CheckFunc {
	return func(context.Context) error {
		if r := ratio(); r > limit {
			return errors.Errorf("saturation %.2f exceeds %.2f", r, limit)
		}
		return nil
	}
}
