package ntp

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fixedQuery(offset time.Duration, err error) QueryFunc {
	return func(context.Context, string) (time.Duration, error) {
		return offset, err
	}
}

func TestChecker_Phases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		offset time.Duration
		err    error
		want   Phase
	}{
		{name: "small offset healthy", offset: 20 * time.Millisecond, want: Healthy},
		{name: "negative small offset healthy", offset: -20 * time.Millisecond, want: Healthy},
		{name: "large offset skewed", offset: 3 * time.Second, want: Skewed},
		{name: "large negative offset skewed", offset: -3 * time.Second, want: Skewed},
		{name: "query error", err: errors.New("timeout"), want: Failed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := NewChecker(WithQuery(fixedQuery(tt.offset, tt.err)))
			if got := c.Status().Phase; got != Unchecked {
				t.Fatalf("initial phase = %s, want unchecked", got)
			}
			st := c.Check(context.Background())
			if st.Phase != tt.want {
				t.Errorf("phase = %s, want %s", st.Phase, tt.want)
			}
			if c.Status() != st {
				t.Errorf("Status() = %+v, want %+v", c.Status(), st)
			}
		})
	}
}

func TestChecker_Offset(t *testing.T) {
	t.Parallel()

	c := NewChecker(WithQuery(fixedQuery(1500*time.Millisecond, nil)), WithThreshold(time.Second))
	got, err := c.Offset(context.Background())
	if err != nil {
		t.Fatalf("Offset() error = %v", err)
	}
	if got != 1500*time.Millisecond {
		t.Errorf("Offset() = %s, want 1.5s", got)
	}

	failing := NewChecker(WithPool("ntp.invalid"), WithQuery(fixedQuery(0, errors.New("no route"))))
	_, err = failing.Offset(context.Background())
	var qe *QueryError
	if !errors.As(err, &qe) {
		t.Fatalf("Offset() error = %v, want *QueryError", err)
	}
	if qe.Pool != "ntp.invalid" {
		t.Errorf("QueryError.Pool = %q, want ntp.invalid", qe.Pool)
	}
}
