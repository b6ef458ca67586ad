// Package completion provides a single-assignment lifecycle signal.
//
// A Cell starts pending and is completed at most once with Success, Canceled
// or Faulted. The first Try* call wins; later calls are no-ops and report
// false. Any number of goroutines may wait on a Cell.
package completion

import (
	"context"
	"errors"
	"sync/atomic"
)

// Outcome is the terminal state of a Cell.
type Outcome uint8

const (
	Pending Outcome = iota
	Success
	Canceled
	Faulted
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Success:
		return "success"
	case Canceled:
		return "canceled"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// errUnknownFault stands in for a nil error passed to TryFail.
var errUnknownFault = errors.New("faulted without an error")

// Cell is a first-write-wins completion signal. The zero value is not usable;
// call New.
type Cell struct {
	claimed atomic.Bool
	done    chan struct{}

	// Written once by the winning writer before done is closed.
	outcome Outcome
	err     error
}

// New returns a pending Cell.
func New() *Cell {
	return &Cell{done: make(chan struct{})}
}

// TrySucceed completes the cell with Success.
func (c *Cell) TrySucceed() bool {
	return c.complete(Success, nil)
}

// TryCancel completes the cell with Canceled.
func (c *Cell) TryCancel() bool {
	return c.complete(Canceled, context.Canceled)
}

// TryFail completes the cell with Faulted(err).
func (c *Cell) TryFail(err error) bool {
	if err == nil {
		err = errUnknownFault
	}
	return c.complete(Faulted, err)
}

func (c *Cell) complete(o Outcome, err error) bool {
	if !c.claimed.CompareAndSwap(false, true) {
		return false
	}
	c.outcome = o
	c.err = err
	close(c.done)
	return true
}

// Done returns a channel that is closed once the cell is completed.
func (c *Cell) Done() <-chan struct{} {
	return c.done
}

// Outcome returns the recorded outcome and error without blocking. A cell
// that has not completed yet reports Pending.
func (c *Cell) Outcome() (Outcome, error) {
	select {
	case <-c.done:
		return c.outcome, c.err
	default:
		return Pending, nil
	}
}

// Err returns nil for Success, context.Canceled for Canceled and the recorded
// error for Faulted. It returns nil while the cell is pending.
func (c *Cell) Err() error {
	_, err := c.Outcome()
	return err
}

// Wait blocks until the cell completes or ctx is done. If ctx ends first,
// Wait returns Pending and ctx.Err().
func (c *Cell) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-c.done:
		return c.outcome, c.err
	case <-ctx.Done():
		return Pending, ctx.Err()
	}
}

// Then runs fn in a new goroutine once the cell completes.
func (c *Cell) Then(fn func(Outcome, error)) {
	go func() {
		<-c.done
		fn(c.outcome, c.err)
	}()
}

// Forward completes dst with the same outcome as c once c completes.
// dst keeps its own first-write-wins semantics.
func (c *Cell) Forward(dst *Cell) {
	c.Then(func(o Outcome, err error) {
		Set(dst, o, err)
	})
}

// Set completes c according to o. Pending is ignored.
func Set(c *Cell, o Outcome, err error) bool {
	switch o {
	case Success:
		return c.TrySucceed()
	case Canceled:
		return c.TryCancel()
	case Faulted:
		return c.TryFail(err)
	default:
		return false
	}
}
