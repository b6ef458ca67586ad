// Package ntp measures the local clock's offset from an NTP pool.
//
// Node generations are derived from wall-clock seconds, so a node whose clock
// runs far behind its peers can reuse a generation it already published.
// The checker lets the node warn about that before it joins.
package ntp

import (
	"context"
	"sync"
	"time"

	"fabrichost/internal/check"

	"github.com/beevik/ntp"
)

const (
	defaultPool      = "pool.ntp.org"
	defaultTimeout   = 2 * time.Second
	defaultThreshold = 1 * time.Second
)

// Phase is the result of the most recent check.
type Phase uint8

const (
	Unchecked Phase = iota + 1
	Healthy
	Skewed
	Failed
)

func (p Phase) String() string {
	switch p {
	case Unchecked:
		return "unchecked"
	case Healthy:
		return "healthy"
	case Skewed:
		return "skewed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transition returns to when the move is allowed and p otherwise.
// Every phase may move to a checked phase; nothing moves back to Unchecked.
func (p Phase) Transition(to Phase) Phase {
	ok := to == Healthy || to == Skewed || to == Failed
	check.Assertf(ok, "ntp transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

// Status is a snapshot of the last check.
type Status struct {
	Offset    time.Duration
	Phase     Phase
	Error     string
	CheckedAt time.Time
}

// QueryFunc returns the offset of the local clock from a reference.
type QueryFunc func(ctx context.Context, pool string) (time.Duration, error)

// Checker queries an NTP pool on demand and remembers the last result.
type Checker struct {
	pool      string
	threshold time.Duration
	query     QueryFunc
	now       func() time.Time

	mu     sync.RWMutex
	status Status
}

// Option configures a Checker.
type Option func(*Checker)

// WithPool sets the NTP server or pool to query.
func WithPool(pool string) Option {
	return func(c *Checker) { c.pool = pool }
}

// WithThreshold sets the offset above which the clock counts as skewed.
func WithThreshold(d time.Duration) Option {
	return func(c *Checker) { c.threshold = d }
}

// WithQuery replaces the network query, for tests.
func WithQuery(q QueryFunc) Option {
	return func(c *Checker) { c.query = q }
}

// NewChecker returns a checker against pool.ntp.org.
func NewChecker(opts ...Option) *Checker {
	c := &Checker{
		pool:      defaultPool,
		threshold: defaultThreshold,
		query:     queryPool,
		now:       time.Now,
		status:    Status{Phase: Unchecked},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Offset queries the pool and returns the measured offset. It implements
// the node's clock-skew check.
func (c *Checker) Offset(ctx context.Context) (time.Duration, error) {
	st := c.Check(ctx)
	if st.Phase == Failed {
		return 0, &QueryError{Pool: c.pool, Message: st.Error}
	}
	return st.Offset, nil
}

// Check runs one query and records the result.
func (c *Checker) Check(ctx context.Context) Status {
	offset, err := c.query(ctx, c.pool)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if err != nil {
		c.status = Status{Phase: c.status.Phase.Transition(Failed), Error: err.Error(), CheckedAt: now}
		return c.status
	}

	to := Skewed
	if offset.Abs() < c.threshold {
		to = Healthy
	}
	c.status = Status{Offset: offset, Phase: c.status.Phase.Transition(to), CheckedAt: now}
	return c.status
}

// Status returns the last recorded result.
func (c *Checker) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// QueryError reports a failed NTP query.
type QueryError struct {
	Pool    string
	Message string
}

func (e *QueryError) Error() string {
	return "ntp query " + e.Pool + ": " + e.Message
}

func queryPool(ctx context.Context, pool string) (time.Duration, error) {
	timeout := defaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	resp, err := ntp.QueryWithOptions(pool, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}
