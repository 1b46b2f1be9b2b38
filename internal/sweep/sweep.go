// Package sweep periodically expires overdue voucher codes.
package sweep

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs the sweep every ten minutes.
const DefaultSchedule = "@every 10m"

// Expirer moves overdue codes to expired.
type Expirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

// Locker grants exclusive runs across replicas. ErrNotObtained means another
// replica holds the lock.
type Locker interface {
	Lock(ctx context.Context) (release func(context.Context) error, err error)
}

// ErrNotObtained is returned by a Locker when the lock is held elsewhere.
var ErrNotObtained = errors.New("sweep lock not obtained")

// Sweeper runs Expirer on a cron schedule.
type Sweeper struct {
	expirer  Expirer
	locker   Locker
	schedule string
	timeout  time.Duration
	lg       *zap.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLocker makes each run obtain l first.
func WithLocker(l Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

// WithSchedule sets the cron spec, e.g. "*/5 * * * *" or "@every 1m".
func WithSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithTimeout bounds a single run.
func WithTimeout(d time.Duration) Option {
	return func(s *Sweeper) { s.timeout = d }
}

// New creates a Sweeper.
func New(expirer Expirer, lg *zap.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		expirer:  expirer,
		schedule: DefaultSchedule,
		timeout:  time.Minute,
		lg:       lg,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run schedules sweeps until ctx is done and waits for a running sweep to
// finish.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.lg.Error("Sweep failed", zap.Error(err))
		}
	}); err != nil {
		return errors.Wrapf(err, "schedule %q", s.schedule)
	}

	s.lg.Info("Sweeper started", zap.String("schedule", s.schedule))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.lg.Info("Sweeper stopped")
	return nil
}

// Sweep performs one run and returns how many codes expired. It returns zero
// without error when another replica holds the lock.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.locker != nil {
		release, err := s.locker.Lock(ctx)
		if errors.Is(err, ErrNotObtained) {
			s.lg.Debug("Sweep skipped, lock held elsewhere")
			return 0, nil
		}
		if err != nil {
			return 0, errors.Wrap(err, "obtain lock")
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.lg.Warn("Release sweep lock", zap.Error(err))
			}
		}()
	}

	start := time.Now()
	n, err := s.expirer.ExpireOverdue(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "expire overdue")
	}
	s.lg.Info("Sweep completed",
		zap.Int("expired", n),
		zap.Duration("took", time.Since(start)),
	)
	return n, nil
}

// RedisLocker is a Locker backed by a Redis key.
type RedisLocker struct {
	client *redislock.Client
	key    string
	ttl    time.Duration
}

// NewRedisLocker creates a RedisLocker holding key for at most ttl.
func NewRedisLocker(client redis.UniversalClient, key string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: redislock.New(client), key: key, ttl: ttl}
}

// Lock tries once to obtain the key.
func (l *RedisLocker) Lock(ctx context.Context) (func(context.Context) error, error) {
	lock, err := l.client.Obtain(ctx, l.key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.NoRetry(),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrNotObtained
		}
		return nil, err
	}
	return lock.Release, nil
}
