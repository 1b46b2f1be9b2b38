package sweep

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockExpirer struct {
	n     int
	err   error
	calls atomic.Int32
}

func (m *mockExpirer) ExpireOverdue(context.Context) (int, error) {
	m.calls.Add(1)
	return m.n, m.err
}

type mockLocker struct {
	err      error
	released atomic.Int32
}

func (m *mockLocker) Lock(context.Context) (func(context.Context) error, error) {
	if m.err != nil {
		return nil, m.err
	}
	return func(context.Context) error {
		m.released.Add(1)
		return nil
	}, nil
}

func TestSweeper_Sweep(t *testing.T) {
	exp := &mockExpirer{n: 3}
	lock := &mockLocker{}
	s := New(exp, zap.NewNop(), WithLocker(lock))

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int32(1), exp.calls.Load())
	assert.Equal(t, int32(1), lock.released.Load())
}

func TestSweeper_SkipsWhenLockHeld(t *testing.T) {
	exp := &mockExpirer{n: 3}
	s := New(exp, zap.NewNop(), WithLocker(&mockLocker{err: ErrNotObtained}))

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, exp.calls.Load())
}

func TestSweeper_LockError(t *testing.T) {
	exp := &mockExpirer{}
	s := New(exp, zap.NewNop(), WithLocker(&mockLocker{err: errors.New("redis down")}))

	_, err := s.Sweep(context.Background())
	require.Error(t, err)
	assert.Zero(t, exp.calls.Load())
}

func TestSweeper_ExpirerError(t *testing.T) {
	lock := &mockLocker{}
	s := New(&mockExpirer{err: errors.New("db down")}, zap.NewNop(), WithLocker(lock))

	_, err := s.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, int32(1), lock.released.Load())
}

func TestSweeper_Run(t *testing.T) {
	exp := &mockExpirer{n: 1}
	s := New(exp, zap.NewNop(), WithSchedule("@every 1s"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return exp.calls.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	s := New(&mockExpirer{}, zap.NewNop(), WithSchedule("not a schedule"))
	require.Error(t, s.Run(context.Background()))
}
