package completion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCell_FirstWriteWins(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	c := New()

	if o, _ := c.Outcome(); o != Pending {
		t.Fatalf("new cell outcome = %s, want pending", o)
	}
	if !c.TryFail(boom) {
		t.Fatal("TryFail() on pending cell = false, want true")
	}
	if c.TrySucceed() {
		t.Error("TrySucceed() after TryFail() = true, want false")
	}
	if c.TryCancel() {
		t.Error("TryCancel() after TryFail() = true, want false")
	}

	o, err := c.Outcome()
	if o != Faulted {
		t.Errorf("outcome = %s, want faulted", o)
	}
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestCell_OutcomeErrors(t *testing.T) {
	t.Parallel()

	s := New()
	s.TrySucceed()
	if err := s.Err(); err != nil {
		t.Errorf("success Err() = %v, want nil", err)
	}

	c := New()
	c.TryCancel()
	if err := c.Err(); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled Err() = %v, want context.Canceled", err)
	}

	f := New()
	f.TryFail(nil)
	if o, err := f.Outcome(); o != Faulted || err == nil {
		t.Errorf("TryFail(nil) = (%s, %v), want faulted with non-nil error", o, err)
	}
}

func TestCell_ConcurrentWritersSingleWinner(t *testing.T) {
	t.Parallel()

	c := New()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var won bool
			switch i % 3 {
			case 0:
				won = c.TrySucceed()
			case 1:
				won = c.TryCancel()
			default:
				won = c.TryFail(errors.New("x"))
			}
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("winning writers = %d, want 1", got)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done() not closed after a successful write")
	}
}

func TestCell_ManyWaiters(t *testing.T) {
	t.Parallel()

	c := New()
	var wg sync.WaitGroup
	results := make(chan Outcome, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, _ := c.Wait(context.Background())
			results <- o
		}()
	}

	c.TrySucceed()
	wg.Wait()
	close(results)
	for o := range results {
		if o != Success {
			t.Errorf("waiter outcome = %s, want success", o)
		}
	}
}

func TestCell_WaitHonoursContext(t *testing.T) {
	t.Parallel()

	c := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	o, err := c.Wait(ctx)
	if o != Pending {
		t.Errorf("outcome = %s, want pending", o)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestCell_Forward(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	src := New()
	dst := New()
	src.Forward(dst)

	src.TryFail(boom)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	o, err := dst.Wait(ctx)
	if o != Faulted || !errors.Is(err, boom) {
		t.Fatalf("forwarded = (%s, %v), want faulted boom", o, err)
	}
}

func TestCell_ForwardDoesNotOverwrite(t *testing.T) {
	t.Parallel()

	src := New()
	dst := New()
	dst.TryCancel()
	src.Forward(dst)
	src.TrySucceed()

	// Give the continuation a chance to run.
	time.Sleep(10 * time.Millisecond)

	if o, _ := dst.Outcome(); o != Canceled {
		t.Fatalf("dst outcome = %s, want canceled", o)
	}
}

func TestSet_IgnoresPending(t *testing.T) {
	t.Parallel()

	c := New()
	if Set(c, Pending, nil) {
		t.Fatal("Set(Pending) = true, want false")
	}
	if o, _ := c.Outcome(); o != Pending {
		t.Fatalf("outcome = %s, want pending", o)
	}
}
