package redemption

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-promo/internal/domain/voucher"
)

// Status is the lifecycle state of an issued code.
type Status string

const (
	StatusActive    Status = "active"
	StatusUsed      Status = "used"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusUsed || s == StatusExpired || s == StatusCancelled
}

// CanTransition reports whether s may move to next. Only active codes move,
// and only forward.
func (s Status) CanTransition(next Status) bool {
	if s != StatusActive {
		return false
	}
	switch next {
	case StatusUsed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

var (
	// ErrNotFound is returned when an account or code does not exist. Codes
	// are scoped to their owning account.
	ErrNotFound = errors.New("not found")
	// ErrNotActive is returned when a code is no longer active.
	ErrNotActive = errors.New("code not active")
	// ErrExpired is returned when a code is past its expiry. The code is moved
	// to expired before the error is reported.
	ErrExpired = errors.New("code expired")
	// ErrInsufficientPoints is returned when an account cannot pay the point cost.
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrConflict is returned when a transaction kept hitting concurrent
	// modifications past the retry bound.
	ErrConflict = errors.New("concurrent modification, try again")
	// ErrInternal marks unexpected persistence failures. Nothing was committed.
	ErrInternal = errors.New("internal error")

	// ErrCodeTaken is returned by Tx.InsertCode when the code string already exists.
	ErrCodeTaken = errors.New("code already issued")
	// ErrSerialization is returned by Store implementations when the database
	// aborted the transaction because of a concurrent update.
	ErrSerialization = errors.New("serialization failure")
)

// Code is a voucher code issued to one account.
type Code struct {
	Code       string
	TemplateID int64
	AccountID  int64
	Status     Status
	CreatedAt  time.Time
	// ExpiresAt is copied from the template at issue time.
	ExpiresAt *time.Time
	OrderRef  *string
	UpdatedAt time.Time
}

// Overdue reports whether an active code is past its expiry at now.
func (c *Code) Overdue(now time.Time) bool {
	return c.Status == StatusActive && c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// Account is the part of a customer account the ledger works with.
type Account struct {
	ID     int64
	Points int64
}

// Store gives the ledger transactional access to accounts, templates and codes.
type Store interface {
	// WithinTx runs fn in one transaction that is committed when fn returns
	// nil and rolled back otherwise. Implementations report retryable
	// concurrency aborts as ErrSerialization.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// FindCode reads a code owned by accountID without locking it. Returns
	// ErrNotFound when absent.
	FindCode(ctx context.Context, accountID int64, code string) (*Code, error)
	// ListCodes returns an account's codes, newest first.
	ListCodes(ctx context.Context, accountID int64) ([]Code, error)
	// ExpireOverdue moves active codes past their expiry at now to expired and
	// returns them. A zero accountID means all accounts.
	ExpireOverdue(ctx context.Context, accountID int64, now time.Time) ([]Code, error)
	// IssuedCodes streams every issued code string to fn.
	IssuedCodes(ctx context.Context, fn func(code string) error) error
}

// Tx is the set of operations available inside a ledger transaction.
type Tx interface {
	// LockTemplate reads a template holding an exclusive row lock until the
	// transaction ends. Returns voucher.ErrNotFound when absent.
	LockTemplate(ctx context.Context, templateID int64) (*voucher.Template, error)
	// LockAccount reads an account holding an exclusive row lock. Returns
	// ErrNotFound when absent.
	LockAccount(ctx context.Context, accountID int64) (*Account, error)
	// LockCode reads a code owned by accountID holding an exclusive row lock.
	// Returns ErrNotFound when absent.
	LockCode(ctx context.Context, accountID int64, code string) (*Code, error)
	DebitPoints(ctx context.Context, accountID, points int64) (remaining int64, err error)
	IncrementRedeemed(ctx context.Context, templateID int64) error
	// InsertCode stores a new code. Returns ErrCodeTaken on a duplicate code string.
	InsertCode(ctx context.Context, c *Code) error
	// SetStatus moves a code to status, recording orderRef when non-nil.
	SetStatus(ctx context.Context, code string, status Status, orderRef *string, at time.Time) error
}
