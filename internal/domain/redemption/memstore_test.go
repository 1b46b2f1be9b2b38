package redemption

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/xenking/kart-promo/internal/domain/voucher"
)

// memStore is an in-memory Store. Transactions are serialized by a single
// mutex and work on copies that replace the committed state only when fn
// succeeds.
type memStore struct {
	mu        sync.Mutex
	templates map[int64]voucher.Template
	accounts  map[int64]int64
	codes     map[string]Code

	// serializationFailures makes the next N transactions abort.
	serializationFailures int
	// collisions makes the next N inserts report ErrCodeTaken.
	collisions int
	// insertErr is returned by every insert when set.
	insertErr error
	txCount   int
}

func newMemStore() *memStore {
	return &memStore{
		templates: map[int64]voucher.Template{},
		accounts:  map[int64]int64{},
		codes:     map[string]Code{},
	}
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++

	if s.serializationFailures > 0 {
		s.serializationFailures--
		return ErrSerialization
	}

	tx := &memTx{
		store:     s,
		templates: maps.Clone(s.templates),
		accounts:  maps.Clone(s.accounts),
		codes:     maps.Clone(s.codes),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.templates, s.accounts, s.codes = tx.templates, tx.accounts, tx.codes
	return nil
}

func (s *memStore) FindCode(_ context.Context, accountID int64, code string) (*Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok || c.AccountID != accountID {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *memStore) ListCodes(_ context.Context, accountID int64) ([]Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Code
	for _, c := range s.codes {
		if c.AccountID == accountID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *memStore) ExpireOverdue(_ context.Context, accountID int64, now time.Time) ([]Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Code
	for k, c := range s.codes {
		if accountID != 0 && c.AccountID != accountID {
			continue
		}
		if !c.Overdue(now) {
			continue
		}
		c.Status = StatusExpired
		c.UpdatedAt = now
		s.codes[k] = c
		out = append(out, c)
	}
	return out, nil
}

func (s *memStore) IssuedCodes(_ context.Context, fn func(code string) error) error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.codes))
	for k := range s.codes {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

// voucher.Repository

func (s *memStore) GetTemplate(_ context.Context, id int64) (*voucher.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, voucher.ErrNotFound
	}
	return &t, nil
}

func (s *memStore) ListOpen(_ context.Context, now time.Time) ([]voucher.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []voucher.Template
	for _, t := range s.templates {
		if t.Open(now) == nil {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) points(accountID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[accountID]
}

func (s *memStore) template(id int64) voucher.Template {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.templates[id]
}

func (s *memStore) code(code string) Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[code]
}

func (s *memStore) codeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.codes)
}

type memTx struct {
	store     *memStore
	templates map[int64]voucher.Template
	accounts  map[int64]int64
	codes     map[string]Code
}

func (tx *memTx) LockTemplate(_ context.Context, id int64) (*voucher.Template, error) {
	t, ok := tx.templates[id]
	if !ok {
		return nil, voucher.ErrNotFound
	}
	return &t, nil
}

func (tx *memTx) LockAccount(_ context.Context, id int64) (*Account, error) {
	p, ok := tx.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &Account{ID: id, Points: p}, nil
}

func (tx *memTx) LockCode(_ context.Context, accountID int64, code string) (*Code, error) {
	c, ok := tx.codes[code]
	if !ok || c.AccountID != accountID {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (tx *memTx) DebitPoints(_ context.Context, accountID, points int64) (int64, error) {
	p := tx.accounts[accountID]
	if p < points {
		return 0, ErrInsufficientPoints
	}
	tx.accounts[accountID] = p - points
	return p - points, nil
}

func (tx *memTx) IncrementRedeemed(_ context.Context, id int64) error {
	t := tx.templates[id]
	t.Redeemed++
	tx.templates[id] = t
	return nil
}

func (tx *memTx) InsertCode(_ context.Context, c *Code) error {
	if tx.store.insertErr != nil {
		return tx.store.insertErr
	}
	if tx.store.collisions > 0 {
		tx.store.collisions--
		return ErrCodeTaken
	}
	if _, ok := tx.codes[c.Code]; ok {
		return ErrCodeTaken
	}
	tx.codes[c.Code] = *c
	return nil
}

func (tx *memTx) SetStatus(_ context.Context, code string, status Status, orderRef *string, at time.Time) error {
	c, ok := tx.codes[code]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = at
	if orderRef != nil {
		c.OrderRef = orderRef
	}
	tx.codes[code] = c
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, events ...Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return p.err
}

func (p *recordingPublisher) kinds() []EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventKind, len(p.events))
	for i, e := range p.events {
		out[i] = e.Kind
	}
	return out
}

// blockingPublisher holds every delivery until release is closed or the
// delivery context ends.
type blockingPublisher struct {
	release chan struct{}

	mu    sync.Mutex
	kinds []EventKind
}

func (p *blockingPublisher) Publish(ctx context.Context, events ...Event) error {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range events {
		p.kinds = append(p.kinds, e.Kind)
	}
	return nil
}

func (p *blockingPublisher) recorded() []EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]EventKind(nil), p.kinds...)
}
