package promotion

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ActiveAt filters rules down to the visible ones in effect at instant. The
// instant is interpreted in its own location; callers convert it to the store
// timezone first. Input order is preserved.
func ActiveAt(rules []Rule, instant time.Time) []Rule {
	date := dateOf(instant)
	weekday := ISOWeekday(instant.Weekday())
	tod := timeOfDay(instant)

	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if !r.Visible {
			continue
		}
		if date.Before(dateOf(r.StartDate)) || date.After(dateOf(r.EndDate)) {
			continue
		}
		if !r.Weekdays.Has(weekday) {
			continue
		}
		if r.Window != nil && !r.Window.Contains(tod) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// SortRules orders rules by start date, then ID. Resolve breaks ties by this
// order.
func SortRules(rules []Rule) {
	slices.SortStableFunc(rules, func(a, b Rule) int {
		if c := dateOf(a.StartDate).Compare(dateOf(b.StartDate)); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

// loadTimeout bounds one read of the rule source.
const loadTimeout = 10 * time.Second

// StoreConfig holds non-dependency configuration for the Store.
type StoreConfig struct {
	// Location is the timezone rule dates and daily windows are written in.
	// Defaults to UTC.
	Location *time.Location
	// TTL bounds how long a loaded rule set is reused. Zero disables caching.
	TTL time.Duration
}

// Store answers "which rules are active right now" on top of a RuleSource.
// The loaded rule set is cached for a short TTL; concurrent reloads share a
// single source call.
type Store struct {
	source RuleSource
	loc    *time.Location
	ttl    time.Duration
	now    func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	rules    []Rule
	loadedAt time.Time
}

// NewStore creates a Store reading rules from source.
func NewStore(source RuleSource, cfg StoreConfig) *Store {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Store{
		source: source,
		loc:    loc,
		ttl:    cfg.TTL,
		now:    time.Now,
	}
}

// Location returns the timezone rules are evaluated in.
func (s *Store) Location() *time.Location { return s.loc }

// ActiveAt returns the visible rules in effect at instant, in stable order.
func (s *Store) ActiveAt(ctx context.Context, instant time.Time) ([]Rule, error) {
	rules, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return ActiveAt(rules, instant.In(s.loc)), nil
}

// PricingRulesAt returns the active rules that also apply to price.
func (s *Store) PricingRulesAt(ctx context.Context, instant time.Time) ([]Rule, error) {
	active, err := s.ActiveAt(ctx, instant)
	if err != nil {
		return nil, err
	}
	out := active[:0]
	for _, r := range active {
		if r.ApplyToPrice {
			out = append(out, r)
		}
	}
	return out, nil
}

// Invalidate drops the cached rule set.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.rules = nil
	s.loadedAt = time.Time{}
	s.mu.Unlock()
}

func (s *Store) load(ctx context.Context) ([]Rule, error) {
	if s.ttl > 0 {
		s.mu.RLock()
		rules, loadedAt := s.rules, s.loadedAt
		s.mu.RUnlock()
		if rules != nil && s.now().Sub(loadedAt) < s.ttl {
			return rules, nil
		}
	}

	ch := s.group.DoChan("rules", func() (any, error) {
		// Shared by every coalesced caller, so no single caller may cancel it.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		rules, err := s.source.ListRules(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "list rules")
		}
		valid := make([]Rule, 0, len(rules))
		for _, r := range rules {
			if err := r.Validate(); err != nil {
				zctx.From(ctx).Warn("Skip invalid promotion rule",
					zap.Int64("rule_id", r.ID), zap.Error(err))
				continue
			}
			valid = append(valid, r)
		}
		SortRules(valid)

		s.mu.Lock()
		s.rules = valid
		s.loadedAt = s.now()
		s.mu.Unlock()
		return valid, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Rule), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
