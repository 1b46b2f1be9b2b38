package redemption

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/kart-promo/internal/domain/voucher"
)

const (
	defaultMaxAttempts  = 5
	defaultCodeAttempts = 8
	defaultRetryDelay   = 10 * time.Millisecond
	maxRetryDelay       = 500 * time.Millisecond

	defaultEventQueue     = 1024
	defaultPublishTimeout = 5 * time.Second
)

// Redemption is the result of a successful point exchange.
type Redemption struct {
	Code            Code
	RemainingPoints int64
}

// Ledger exchanges loyalty points for voucher codes and drives the code
// lifecycle. It is the only writer of point debits and redeemed counters.
type Ledger struct {
	store     Store
	templates voucher.Repository
	publisher Publisher
	filter    *CodeFilter
	now       func() time.Time

	maxAttempts  uint
	codeAttempts uint
	retryDelay   time.Duration

	publishTimeout time.Duration
	queue          chan eventBatch
	queueMu        sync.RWMutex
	closed         bool
	dispatchOnce   sync.Once
	stopped        chan struct{}

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer
	redemptions    metric.Int64Counter
	transitions    metric.Int64Counter
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithPublisher sets where committed changes are announced.
func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithCodeFilter enables Bloom filter pre-screening of generated codes.
func WithCodeFilter(f *CodeFilter) Option {
	return func(l *Ledger) { l.filter = f }
}

// WithMaxAttempts bounds how many times a transaction aborted by a concurrent
// update is retried before ErrConflict is returned.
func WithMaxAttempts(n uint) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the base backoff between transaction attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(l *Ledger) { l.retryDelay = d }
}

// WithPublishTimeout bounds a single delivery of ledger events.
func WithPublishTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.publishTimeout = d
		}
	}
}

// WithEventQueue sets how many event batches may wait for delivery before
// new ones are dropped.
func WithEventQueue(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.queue = make(chan eventBatch, n)
		}
	}
}

// WithTracerProvider sets the tracer provider for ledger spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Ledger) { l.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider for ledger counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(l *Ledger) { l.meterProvider = mp }
}

// NewLedger creates a Ledger over store. templates is used for non-locking
// template reads on the checkout path. Committed changes are published in the
// background; call Close to deliver what is still queued.
func NewLedger(store Store, templates voucher.Repository, opts ...Option) *Ledger {
	l := &Ledger{
		store:          store,
		templates:      templates,
		publisher:      nopPublisher{},
		now:            time.Now,
		maxAttempts:    defaultMaxAttempts,
		codeAttempts:   defaultCodeAttempts,
		retryDelay:     defaultRetryDelay,
		publishTimeout: defaultPublishTimeout,
		queue:          make(chan eventBatch, defaultEventQueue),
		stopped:        make(chan struct{}),
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
	}
	for _, o := range opts {
		o(l)
	}

	const name = "github.com/xenking/kart-promo/internal/domain/redemption"
	l.tracer = l.tracerProvider.Tracer(name)
	meter := l.meterProvider.Meter(name)

	var err error
	if l.redemptions, err = meter.Int64Counter("promo.redemptions",
		metric.WithDescription("Redemption attempts by outcome"),
	); err != nil {
		l.redemptions, _ = metricnoop.NewMeterProvider().Meter(name).Int64Counter("promo.redemptions")
	}
	if l.transitions, err = meter.Int64Counter("promo.code_transitions",
		metric.WithDescription("Code status transitions by target status"),
	); err != nil {
		l.transitions, _ = metricnoop.NewMeterProvider().Meter(name).Int64Counter("promo.code_transitions")
	}
	return l
}

// Redeem debits the template's point cost from the account, takes one unit of
// the template and issues a new code, all in one transaction holding the
// template row lock. Preconditions are checked in order: account exists,
// template exists and is active, not expired, not exhausted, enough points.
// Any failure leaves points and counters untouched.
func (l *Ledger) Redeem(ctx context.Context, accountID, templateID int64) (*Redemption, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Redeem", trace.WithAttributes(
		attribute.Int64("account.id", accountID),
		attribute.Int64("voucher.template_id", templateID),
	))
	defer span.End()

	var res Redemption
	err := l.inTx(ctx, func(ctx context.Context, tx Tx) error {
		tmpl, err := tx.LockTemplate(ctx, templateID)
		if err != nil && !errors.Is(err, voucher.ErrNotFound) {
			return errors.Wrap(err, "lock template")
		}
		acct, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return errors.Wrap(err, "lock account")
		}
		if tmpl == nil {
			return voucher.ErrNotFound
		}

		now := l.now()
		if err := tmpl.Open(now); err != nil {
			return err
		}
		if acct.Points < tmpl.PointCost {
			return ErrInsufficientPoints
		}

		remaining, err := tx.DebitPoints(ctx, acct.ID, tmpl.PointCost)
		if err != nil {
			return errors.Wrap(err, "debit points")
		}
		if err := tx.IncrementRedeemed(ctx, tmpl.ID); err != nil {
			return errors.Wrap(err, "increment redeemed")
		}
		code, err := l.issue(ctx, tx, tmpl, acct.ID, now)
		if err != nil {
			return err
		}

		res = Redemption{Code: *code, RemainingPoints: remaining}
		return nil
	})
	l.redemptions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if l.filter != nil {
		l.filter.Add(res.Code.Code)
	}
	ev := codeEvent(EventRedeemed, res.Code, res.Code.CreatedAt)
	ev.RemainingPoints = res.RemainingPoints
	l.publish(ctx, ev)

	span.SetAttributes(attribute.String("voucher.code", res.Code.Code))
	return &res, nil
}

// issue generates a fresh code and inserts it, regenerating on collisions.
func (l *Ledger) issue(ctx context.Context, tx Tx, tmpl *voucher.Template, accountID int64, now time.Time) (*Code, error) {
	var issued *Code
	err := retry.Do(
		func() error {
			s, err := NewCode(tmpl.CodePrefix)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if l.filter != nil && l.filter.MaybeIssued(s) {
				return ErrCodeTaken
			}
			c := &Code{
				Code:       s,
				TemplateID: tmpl.ID,
				AccountID:  accountID,
				Status:     StatusActive,
				CreatedAt:  now,
				ExpiresAt:  tmpl.ExpiresAt,
				UpdatedAt:  now,
			}
			if err := tx.InsertCode(ctx, c); err != nil {
				if errors.Is(err, ErrCodeTaken) {
					return err
				}
				return retry.Unrecoverable(errors.Wrap(err, "insert code"))
			}
			issued = c
			return nil
		},
		retry.Attempts(l.codeAttempts),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrCodeTaken) }),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, err
	}
	return issued, nil
}

// Codes lists the account's codes. Active codes past their expiry are moved
// to expired first, since nothing else is guaranteed to drive expiry.
func (l *Ledger) Codes(ctx context.Context, accountID int64) ([]Code, error) {
	if err := l.expire(ctx, accountID); err != nil {
		return nil, err
	}
	list, err := l.store.ListCodes(ctx, accountID)
	if err != nil {
		return nil, internal(errors.Wrap(err, "list codes"))
	}
	return list, nil
}

// ExpireOverdue moves every overdue active code to expired and returns how
// many were moved.
func (l *Ledger) ExpireOverdue(ctx context.Context) (int, error) {
	now := l.now()
	expired, err := l.store.ExpireOverdue(ctx, 0, now)
	if err != nil {
		return 0, internal(errors.Wrap(err, "expire overdue"))
	}
	l.announceExpired(ctx, expired, now)
	return len(expired), nil
}

func (l *Ledger) expire(ctx context.Context, accountID int64) error {
	now := l.now()
	expired, err := l.store.ExpireOverdue(ctx, accountID, now)
	if err != nil {
		return internal(errors.Wrap(err, "expire overdue"))
	}
	l.announceExpired(ctx, expired, now)
	return nil
}

func (l *Ledger) announceExpired(ctx context.Context, expired []Code, now time.Time) {
	if len(expired) == 0 {
		return
	}
	l.transitions.Add(ctx, int64(len(expired)), metric.WithAttributes(attribute.String("status", string(StatusExpired))))
	events := make([]Event, len(expired))
	for i, c := range expired {
		events[i] = codeEvent(EventExpired, c, now)
	}
	l.publish(ctx, events...)
}

// Lookup returns an active code owned by accountID together with its
// template. An overdue code is moved to expired and reported as ErrExpired;
// a code already in a terminal state is reported as ErrNotActive (and also
// ErrExpired when that state is expired).
func (l *Ledger) Lookup(ctx context.Context, accountID int64, code string) (*Code, *voucher.Template, error) {
	c, err := l.store.FindCode(ctx, accountID, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, internal(errors.Wrap(err, "find code"))
	}
	if err := inactiveErr(c.Status); err != nil {
		return nil, nil, err
	}
	if c.Overdue(l.now()) {
		_, err := l.transition(ctx, accountID, code, StatusExpired, nil)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrExpired
	}

	tmpl, err := l.templates.GetTemplate(ctx, c.TemplateID)
	if err != nil {
		if errors.Is(err, voucher.ErrNotFound) {
			return nil, nil, voucher.ErrNotFound
		}
		return nil, nil, internal(errors.Wrap(err, "get template"))
	}
	return c, tmpl, nil
}

// Consume marks an active code used by the given order. It is called by the
// order completion flow, not by checkout validation.
func (l *Ledger) Consume(ctx context.Context, accountID int64, code, orderRef string) (*Code, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Consume", trace.WithAttributes(
		attribute.Int64("account.id", accountID),
		attribute.String("order.ref", orderRef),
	))
	defer span.End()

	c, err := l.transition(ctx, accountID, code, StatusUsed, &orderRef)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return c, nil
}

// Cancel withdraws an active code.
func (l *Ledger) Cancel(ctx context.Context, accountID int64, code string) (*Code, error) {
	return l.transition(ctx, accountID, code, StatusCancelled, nil)
}

// transition moves a code out of active under a row lock. An overdue code
// always becomes expired; asking for another target then fails with
// ErrExpired after the expiry is committed.
func (l *Ledger) transition(ctx context.Context, accountID int64, code string, target Status, orderRef *string) (*Code, error) {
	var (
		result  Code
		expired bool
	)
	err := l.inTx(ctx, func(ctx context.Context, tx Tx) error {
		expired = false
		c, err := tx.LockCode(ctx, accountID, code)
		if err != nil {
			return errors.Wrap(err, "lock code")
		}
		if err := inactiveErr(c.Status); err != nil {
			return err
		}

		now := l.now()
		next, ref := target, orderRef
		if c.Overdue(now) {
			next, ref = StatusExpired, nil
		}
		if !c.Status.CanTransition(next) {
			return ErrNotActive
		}
		if err := tx.SetStatus(ctx, c.Code, next, ref, now); err != nil {
			return errors.Wrap(err, "set status")
		}

		c.Status = next
		c.UpdatedAt = now
		if ref != nil {
			c.OrderRef = ref
		}
		result = *c
		expired = next == StatusExpired && target != StatusExpired
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(result.Status))))
	l.publish(ctx, codeEvent(eventFor(result.Status), result, result.UpdatedAt))
	if expired {
		return nil, ErrExpired
	}
	return &result, nil
}

// inTx runs fn in a store transaction, retrying aborts caused by concurrent
// updates up to maxAttempts times.
func (l *Ledger) inTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := retry.Do(
		func() error { return l.store.WithinTx(ctx, fn) },
		retry.Attempts(l.maxAttempts),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrSerialization) }),
		retry.Delay(l.retryDelay),
		retry.MaxDelay(maxRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	return classify(err)
}

// expected lists the outcomes callers are meant to handle; anything else is
// reported as ErrInternal.
var expected = []error{
	ErrNotFound,
	ErrNotActive,
	ErrExpired,
	ErrInsufficientPoints,
	ErrConflict,
	voucher.ErrNotFound,
	voucher.ErrInactive,
	voucher.ErrExpired,
	voucher.ErrExhausted,
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSerialization) || errors.Is(err, ErrCodeTaken) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	for _, target := range expected {
		if errors.Is(err, target) {
			return err
		}
	}
	return internal(err)
}

func internal(err error) error {
	return fmt.Errorf("%w: %w", ErrInternal, err)
}

func inactiveErr(s Status) error {
	switch {
	case s == StatusExpired:
		return fmt.Errorf("%w: %w", ErrNotActive, ErrExpired)
	case s.Terminal():
		return ErrNotActive
	}
	return nil
}

func eventFor(s Status) EventKind {
	switch s {
	case StatusUsed:
		return EventConsumed
	case StatusExpired:
		return EventExpired
	case StatusCancelled:
		return EventCancelled
	default:
		return EventRedeemed
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInternal):
		return "error"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "rejected"
	}
}
