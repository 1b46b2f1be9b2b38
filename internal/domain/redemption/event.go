package redemption

import (
	"context"
	"time"
)

// EventKind names a ledger state change.
type EventKind string

const (
	EventRedeemed  EventKind = "redeemed"
	EventConsumed  EventKind = "consumed"
	EventExpired   EventKind = "expired"
	EventCancelled EventKind = "cancelled"
)

// Event is emitted after a ledger change has been committed. Delivery to
// customers is left to whoever consumes the events.
type Event struct {
	Kind       EventKind
	Code       string
	TemplateID int64
	AccountID  int64
	OrderRef   *string
	// RemainingPoints is set for EventRedeemed only.
	RemainingPoints int64
	At              time.Time
}

// Publisher delivers ledger events.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, ...Event) error { return nil }

func codeEvent(kind EventKind, c Code, at time.Time) Event {
	return Event{
		Kind:       kind,
		Code:       c.Code,
		TemplateID: c.TemplateID,
		AccountID:  c.AccountID,
		OrderRef:   c.OrderRef,
		At:         at,
	}
}
