// Package health serves liveness and readiness probes backed by periodic checks.
//
// A check flips to failing only after FailureThreshold consecutive errors and
// back to passing after SuccessThreshold consecutive successes, so a single
// slow database ping does not pull the instance out of rotation.
package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
	"golang.org/x/sync/errgroup"
)

// CheckFunc reports nil when the checked dependency is usable.
type CheckFunc func(ctx context.Context) error

// Probe selects which endpoint a check contributes to.
type Probe int

const (
	// Liveness checks fail the process: the orchestrator restarts it.
	Liveness Probe = iota
	// Readiness checks take the instance out of rotation.
	Readiness
	// Degraded checks are reported on /readyz but never fail it.
	Degraded
)

// Option tunes a registered check.
type Option func(c *check)

// WithTimeout bounds a single check run. Default is one second.
func WithTimeout(d time.Duration) Option {
	return func(c *check) { c.timeout = d }
}

// WithThresholds sets how many consecutive failures mark a check failing and
// how many consecutive successes mark it passing again.
func WithThresholds(failures, successes int) Option {
	return func(c *check) {
		c.failureThreshold = max(failures, 1)
		c.successThreshold = max(successes, 1)
	}
}

type outcome struct {
	err error
	at  time.Time
}

// check is run from a single goroutine; only passing and last are read
// concurrently.
type check struct {
	name             string
	probe            Probe
	fn               CheckFunc
	timeout          time.Duration
	failureThreshold int
	successThreshold int

	passing atomic.Bool
	last    atomic.Pointer[outcome]

	fails     int
	successes int
}

func (c *check) run(ctx context.Context, now time.Time) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.fn(ctx)
	c.last.Store(&outcome{err: err, at: now})

	if err != nil {
		c.successes = 0
		c.fails++
		if c.fails >= c.failureThreshold {
			c.passing.Store(false)
		}
		return
	}
	c.fails = 0
	c.successes++
	if c.successes >= c.successThreshold {
		c.passing.Store(true)
	}
}

// Registry holds the checks of one process.
type Registry struct {
	ready atomic.Bool
	now   func() time.Time

	mu     sync.RWMutex
	checks []*check
}

// New creates an empty Registry. It reports not ready until SetReady(true).
func New() *Registry {
	return &Registry{now: time.Now}
}

// Register adds a check to probe. Checks start out passing. Register must be
// called before Run.
func (reg *Registry) Register(probe Probe, name string, fn CheckFunc, opts ...Option) {
	c := &check{
		name:             name,
		probe:            probe,
		fn:               fn,
		timeout:          time.Second,
		failureThreshold: 3,
		successThreshold: 1,
	}
	for _, o := range opts {
		o(c)
	}
	c.passing.Store(true)

	reg.mu.Lock()
	reg.checks = append(reg.checks, c)
	reg.mu.Unlock()
}

// Run executes every check immediately and then every interval until ctx is
// done. It returns nil on cancellation.
func (reg *Registry) Run(ctx context.Context, interval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range reg.snapshot() {
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			c.run(ctx, reg.now())
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					c.run(ctx, reg.now())
				}
			}
		})
	}
	return g.Wait()
}

// SetReady toggles the manual readiness gate. It is set after start-up and
// cleared when draining.
func (reg *Registry) SetReady(ready bool) {
	reg.ready.Store(ready)
}

// Ready reports whether the gate is open and every readiness check passes.
func (reg *Registry) Ready() bool {
	if !reg.ready.Load() {
		return false
	}
	for _, c := range reg.snapshot() {
		if c.probe == Readiness && !c.passing.Load() {
			return false
		}
	}
	return true
}

func (reg *Registry) snapshot() []*check {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return append([]*check(nil), reg.checks...)
}

// LiveEndpoint serves /livez.
func (reg *Registry) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	reg.write(w, Liveness, true)
}

// ReadyEndpoint serves /readyz.
func (reg *Registry) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	reg.write(w, Readiness, reg.ready.Load())
}

// write reports every check of probe as
// {"status":"ok|unhealthy","checks":{"name":{"passing":bool,"error":"..."}}}.
func (reg *Registry) write(w http.ResponseWriter, probe Probe, gate bool) {
	var (
		checks = reg.snapshot()
		ok     = gate
	)
	for _, c := range checks {
		if c.probe == probe && !c.passing.Load() {
			ok = false
		}
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) {
			if ok {
				e.Str("ok")
			} else {
				e.Str("unhealthy")
			}
		})
		if !gate {
			e.Field("reason", func(e *jx.Encoder) { e.Str("service is not ready") })
		}
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, c := range checks {
					if !reports(probe, c.probe) {
						continue
					}
					e.Field(c.name, func(e *jx.Encoder) { encodeCheck(e, c) })
				}
			})
		})
	})

	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func reports(endpoint, probe Probe) bool {
	return probe == endpoint || (endpoint == Readiness && probe == Degraded)
}

func encodeCheck(e *jx.Encoder, c *check) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("passing", func(e *jx.Encoder) { e.Bool(c.passing.Load()) })
		last := c.last.Load()
		if last == nil {
			return
		}
		e.Field("checkedAt", func(e *jx.Encoder) { e.Str(last.at.UTC().Format(time.RFC3339)) })
		if last.err != nil {
			e.Field("error", func(e *jx.Encoder) { e.Str(last.err.Error()) })
		}
	})
}
