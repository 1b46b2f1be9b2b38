package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-promo/internal/domain/voucher"
)

const (
	templateColumns = `id, name, code_prefix, kind, value, min_order, max_discount, point_cost,
		expires_at, active, total_quantity, redeemed`

	getTemplateSQL = `SELECT ` + templateColumns + ` FROM voucher_templates WHERE id = $1`

	listOpenTemplatesSQL = `SELECT ` + templateColumns + ` FROM voucher_templates
		WHERE active
			AND (expires_at IS NULL OR expires_at > $1)
			AND (total_quantity IS NULL OR redeemed < total_quantity)
		ORDER BY point_cost, id`
)

var _ voucher.Repository = (*VoucherRepository)(nil)

// VoucherRepository implements voucher.Repository backed by PostgreSQL.
type VoucherRepository struct {
	pool *pgxpool.Pool
}

// NewVoucherRepository returns a VoucherRepository that uses the given pool.
func NewVoucherRepository(pool *pgxpool.Pool) *VoucherRepository {
	return &VoucherRepository{pool: pool}
}

// GetTemplate returns a template without locking it.
func (r *VoucherRepository) GetTemplate(ctx context.Context, id int64) (*voucher.Template, error) {
	return getTemplate(ctx, r.pool, getTemplateSQL, id)
}

// ListOpen returns templates redeemable at now.
func (r *VoucherRepository) ListOpen(ctx context.Context, now time.Time) ([]voucher.Template, error) {
	rows, err := r.pool.Query(ctx, listOpenTemplatesSQL, now)
	if err != nil {
		return nil, fmt.Errorf("listing open templates: %w", err)
	}
	list, err := pgx.CollectRows(rows, scanTemplate)
	if err != nil {
		return nil, fmt.Errorf("listing open templates: %w", err)
	}
	return list, nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getTemplate(ctx context.Context, q querier, sql string, id int64) (*voucher.Template, error) {
	rows, err := q.Query(ctx, sql, id)
	if err != nil {
		return nil, fmt.Errorf("getting template %d: %w", id, err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanTemplate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, voucher.ErrNotFound
		}
		return nil, fmt.Errorf("getting template %d: %w", id, err)
	}
	return &t, nil
}

func scanTemplate(row pgx.CollectableRow) (voucher.Template, error) {
	var (
		t           voucher.Template
		kind        string
		maxDiscount decimal.NullDecimal
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.CodePrefix, &kind, &t.Value, &t.MinOrder, &maxDiscount, &t.PointCost,
		&t.ExpiresAt, &t.Active, &t.TotalQuantity, &t.Redeemed,
	)
	t.Kind = voucher.Kind(kind)
	if maxDiscount.Valid {
		t.MaxDiscount = &maxDiscount.Decimal
	}
	return t, err
}
