package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-promo/internal/domain/promotion"
)

const listPromotionsSQL = `SELECT id, name, scope_kind, scope_ref_id, discount_kind, percent, target_price,
		start_date, end_date, window_start, window_end, weekdays, visible, apply_to_price
	FROM promotions ORDER BY start_date, id`

var _ promotion.RuleSource = (*PromotionRepository)(nil)

// PromotionRepository loads promotion rules from PostgreSQL.
type PromotionRepository struct {
	pool *pgxpool.Pool
}

// NewPromotionRepository returns a PromotionRepository that uses the given pool.
func NewPromotionRepository(pool *pgxpool.Pool) *PromotionRepository {
	return &PromotionRepository{pool: pool}
}

// ListRules returns every stored rule. Filtering by date happens in memory
// so the whole set can be cached.
func (r *PromotionRepository) ListRules(ctx context.Context) ([]promotion.Rule, error) {
	rows, err := r.pool.Query(ctx, listPromotionsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing promotions: %w", err)
	}
	rules, err := pgx.CollectRows(rows, scanRule)
	if err != nil {
		return nil, fmt.Errorf("listing promotions: %w", err)
	}
	return rules, nil
}

func scanRule(row pgx.CollectableRow) (promotion.Rule, error) {
	var (
		rule         promotion.Rule
		scopeKind    string
		scopeRef     int64
		discountKind string
		percent      int16
		target       decimal.NullDecimal
		windowStart  pgtype.Time
		windowEnd    pgtype.Time
		weekdays     []int16
	)
	err := row.Scan(
		&rule.ID, &rule.Name, &scopeKind, &scopeRef, &discountKind, &percent, &target,
		&rule.StartDate, &rule.EndDate, &windowStart, &windowEnd, &weekdays,
		&rule.Visible, &rule.ApplyToPrice,
	)
	if err != nil {
		return rule, err
	}

	rule.Scope = promotion.Scope{Kind: promotion.ScopeKind(scopeKind), RefID: scopeRef}
	rule.Discount = promotion.Discount{Kind: promotion.DiscountKind(discountKind)}
	if percent >= 0 && percent <= 255 {
		rule.Discount.Percent = uint8(percent)
	}
	if target.Valid {
		rule.Discount.Target = &target.Decimal
	}
	if windowStart.Valid && windowEnd.Valid {
		rule.Window = &promotion.TimeWindow{
			Start: time.Duration(windowStart.Microseconds) * time.Microsecond,
			End:   time.Duration(windowEnd.Microseconds) * time.Microsecond,
		}
	}
	days := make([]int, len(weekdays))
	for i, d := range weekdays {
		days[i] = int(d)
	}
	rule.Weekdays = promotion.NewWeekdays(days...)
	return rule, nil
}
