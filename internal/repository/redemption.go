package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-promo/internal/domain/redemption"
	"github.com/xenking/kart-promo/internal/domain/voucher"
)

const (
	codeColumns = `code, template_id, account_id, status, created_at, expires_at, order_ref, updated_at`

	lockTemplateSQL = `SELECT ` + templateColumns + ` FROM voucher_templates WHERE id = $1 FOR UPDATE`

	lockAccountSQL = `SELECT id, points FROM accounts WHERE id = $1 FOR UPDATE`

	lockCodeSQL = `SELECT ` + codeColumns + ` FROM redeemed_codes
		WHERE code = $1 AND account_id = $2 FOR UPDATE`

	findCodeSQL = `SELECT ` + codeColumns + ` FROM redeemed_codes WHERE code = $1 AND account_id = $2`

	listCodesSQL = `SELECT ` + codeColumns + ` FROM redeemed_codes
		WHERE account_id = $1 ORDER BY created_at DESC, code`

	debitPointsSQL = `UPDATE accounts SET points = points - $2
		WHERE id = $1 AND points >= $2 RETURNING points`

	incrementRedeemedSQL = `UPDATE voucher_templates SET redeemed = redeemed + 1
		WHERE id = $1 AND (total_quantity IS NULL OR redeemed < total_quantity)`

	insertCodeSQL = `INSERT INTO redeemed_codes (` + codeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (code) DO NOTHING RETURNING code`

	setStatusSQL = `UPDATE redeemed_codes SET status = $2, order_ref = COALESCE($3, order_ref), updated_at = $4
		WHERE code = $1 AND status = 'active'`

	expireOverdueSQL = `UPDATE redeemed_codes SET status = 'expired', updated_at = $1
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
			AND ($2::BIGINT = 0 OR account_id = $2)
		RETURNING ` + codeColumns

	issuedCodesSQL = `SELECT code FROM redeemed_codes`

	terminalCodesSQL = `SELECT ` + codeColumns + ` FROM redeemed_codes
		WHERE status <> 'active' AND updated_at < $1
		ORDER BY updated_at, code
		LIMIT $2
		FOR UPDATE`

	deleteCodesSQL = `DELETE FROM redeemed_codes WHERE code = ANY($1) AND status <> 'active'`
)

// PostgreSQL error codes that mean the transaction lost a race and can be
// retried from scratch.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

var _ redemption.Store = (*RedemptionStore)(nil)

// RedemptionStore implements redemption.Store backed by PostgreSQL.
type RedemptionStore struct {
	pool *pgxpool.Pool
}

// NewRedemptionStore returns a RedemptionStore that uses the given pool.
func NewRedemptionStore(pool *pgxpool.Pool) *RedemptionStore {
	return &RedemptionStore{pool: pool}
}

// WithinTx runs fn in a SERIALIZABLE transaction. Serialization failures and
// deadlocks are reported as redemption.ErrSerialization.
func (s *RedemptionStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx redemption.Tx) error) (rerr error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classifyPgError(fmt.Errorf("beginning transaction: %w", err))
	}
	defer func() {
		if rerr != nil {
			// The request context may already be done; rollback must still run.
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(ctx, &redemptionTx{tx: tx}); err != nil {
		return classifyPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

// FindCode reads a code without locking it.
func (s *RedemptionStore) FindCode(ctx context.Context, accountID int64, code string) (*redemption.Code, error) {
	return getCode(ctx, s.pool, findCodeSQL, accountID, code)
}

// ListCodes returns the account's codes, newest first.
func (s *RedemptionStore) ListCodes(ctx context.Context, accountID int64) ([]redemption.Code, error) {
	rows, err := s.pool.Query(ctx, listCodesSQL, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing codes for account %d: %w", accountID, err)
	}
	list, err := pgx.CollectRows(rows, scanCode)
	if err != nil {
		return nil, fmt.Errorf("listing codes for account %d: %w", accountID, err)
	}
	return list, nil
}

// ExpireOverdue moves overdue active codes to expired in a single statement.
func (s *RedemptionStore) ExpireOverdue(ctx context.Context, accountID int64, now time.Time) ([]redemption.Code, error) {
	rows, err := s.pool.Query(ctx, expireOverdueSQL, now, accountID)
	if err != nil {
		return nil, fmt.Errorf("expiring overdue codes: %w", err)
	}
	list, err := pgx.CollectRows(rows, scanCode)
	if err != nil {
		return nil, fmt.Errorf("expiring overdue codes: %w", err)
	}
	return list, nil
}

// IssuedCodes streams every code string in the table.
func (s *RedemptionStore) IssuedCodes(ctx context.Context, fn func(code string) error) error {
	rows, err := s.pool.Query(ctx, issuedCodesSQL)
	if err != nil {
		return fmt.Errorf("listing issued codes: %w", err)
	}
	var code string
	if _, err := pgx.ForEachRow(rows, []any{&code}, func() error {
		return fn(code)
	}); err != nil {
		return fmt.Errorf("listing issued codes: %w", err)
	}
	return nil
}

// ArchiveCodes hands up to limit codes that reached a terminal state before
// cutoff to fn and deletes them in the same transaction. fn must persist the
// batch before returning; nothing is deleted when it fails. It returns the
// number of deleted codes, zero once nothing is left.
func (s *RedemptionStore) ArchiveCodes(ctx context.Context, cutoff time.Time, limit int, fn func([]redemption.Code) error) (int64, error) {
	var archived int64
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, terminalCodesSQL, cutoff, limit)
		if err != nil {
			return fmt.Errorf("selecting terminal codes: %w", err)
		}
		list, err := pgx.CollectRows(rows, scanCode)
		if err != nil {
			return fmt.Errorf("selecting terminal codes: %w", err)
		}
		if len(list) == 0 {
			return nil
		}
		if err := fn(list); err != nil {
			return err
		}

		keys := make([]string, len(list))
		for i, c := range list {
			keys[i] = c.Code
		}
		tag, err := tx.Exec(ctx, deleteCodesSQL, keys)
		if err != nil {
			return fmt.Errorf("deleting archived codes: %w", err)
		}
		archived = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return archived, nil
}

type redemptionTx struct {
	tx pgx.Tx
}

func (t *redemptionTx) LockTemplate(ctx context.Context, templateID int64) (*voucher.Template, error) {
	return getTemplate(ctx, t.tx, lockTemplateSQL, templateID)
}

func (t *redemptionTx) LockAccount(ctx context.Context, accountID int64) (*redemption.Account, error) {
	rows, err := t.tx.Query(ctx, lockAccountSQL, accountID)
	if err != nil {
		return nil, fmt.Errorf("locking account %d: %w", accountID, err)
	}
	acct, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[redemption.Account])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, redemption.ErrNotFound
		}
		return nil, fmt.Errorf("locking account %d: %w", accountID, err)
	}
	return &acct, nil
}

func (t *redemptionTx) LockCode(ctx context.Context, accountID int64, code string) (*redemption.Code, error) {
	return getCode(ctx, t.tx, lockCodeSQL, accountID, code)
}

func (t *redemptionTx) DebitPoints(ctx context.Context, accountID, points int64) (int64, error) {
	var remaining int64
	err := t.tx.QueryRow(ctx, debitPointsSQL, accountID, points).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, redemption.ErrInsufficientPoints
		}
		return 0, fmt.Errorf("debiting account %d: %w", accountID, err)
	}
	return remaining, nil
}

func (t *redemptionTx) IncrementRedeemed(ctx context.Context, templateID int64) error {
	tag, err := t.tx.Exec(ctx, incrementRedeemedSQL, templateID)
	if err != nil {
		return fmt.Errorf("incrementing template %d: %w", templateID, err)
	}
	if tag.RowsAffected() == 0 {
		return voucher.ErrExhausted
	}
	return nil
}

func (t *redemptionTx) InsertCode(ctx context.Context, c *redemption.Code) error {
	var inserted string
	err := t.tx.QueryRow(ctx, insertCodeSQL,
		c.Code, c.TemplateID, c.AccountID, string(c.Status),
		c.CreatedAt, c.ExpiresAt, c.OrderRef, c.UpdatedAt,
	).Scan(&inserted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return redemption.ErrCodeTaken
		}
		return fmt.Errorf("inserting code: %w", err)
	}
	return nil
}

func (t *redemptionTx) SetStatus(ctx context.Context, code string, status redemption.Status, orderRef *string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, setStatusSQL, code, string(status), orderRef, at)
	if err != nil {
		return fmt.Errorf("updating code status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return redemption.ErrNotActive
	}
	return nil
}

func getCode(ctx context.Context, q querier, sql string, accountID int64, code string) (*redemption.Code, error) {
	rows, err := q.Query(ctx, sql, code, accountID)
	if err != nil {
		return nil, fmt.Errorf("getting code: %w", err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, redemption.ErrNotFound
		}
		return nil, fmt.Errorf("getting code: %w", err)
	}
	return &c, nil
}

func scanCode(row pgx.CollectableRow) (redemption.Code, error) {
	var (
		c      redemption.Code
		status string
	)
	err := row.Scan(
		&c.Code, &c.TemplateID, &c.AccountID, &status,
		&c.CreatedAt, &c.ExpiresAt, &c.OrderRef, &c.UpdatedAt,
	)
	c.Status = redemption.Status(status)
	return c, err
}

func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected:
			return fmt.Errorf("%w: %w", redemption.ErrSerialization, err)
		}
	}
	return err
}
