// Package rulecache shares the promotion rule snapshot between replicas
// through Redis.
package rulecache

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/kart-promo/internal/domain/promotion"
)

// DefaultKey is the Redis key holding the encoded rule set.
const DefaultKey = "kart:promotions:rules"

// Client is the subset of the go-redis API the cache needs.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

var _ promotion.RuleSource = (*Source)(nil)

// Source decorates a RuleSource with a Redis snapshot. Redis failures are
// logged and the underlying source is used instead.
type Source struct {
	next   promotion.RuleSource
	client Client
	key    string
	ttl    time.Duration
}

// New wraps next. A non-positive ttl defaults to one minute.
func New(next promotion.RuleSource, client Client, ttl time.Duration) *Source {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Source{next: next, client: client, key: DefaultKey, ttl: ttl}
}

// ListRules returns the cached snapshot or loads and stores a fresh one.
func (s *Source) ListRules(ctx context.Context) ([]promotion.Rule, error) {
	lg := zctx.From(ctx)

	data, err := s.client.Get(ctx, s.key).Bytes()
	switch {
	case err == nil:
		rules, derr := decodeRules(data)
		if derr == nil {
			return rules, nil
		}
		lg.Warn("Discard corrupt rule snapshot", zap.Error(derr))
	case errors.Is(err, redis.Nil):
	default:
		lg.Warn("Read rule snapshot", zap.Error(err))
	}

	rules, err := s.next.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, s.key, encodeRules(rules), s.ttl).Err(); err != nil {
		lg.Warn("Store rule snapshot", zap.Error(err))
	}
	return rules, nil
}

// Invalidate drops the shared snapshot so the next load reads the source.
func (s *Source) Invalidate(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return errors.Wrap(err, "delete rule snapshot")
	}
	return nil
}
