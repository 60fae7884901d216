package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsSQLiteBusy(t *testing.T) {
	cases := map[string]struct {
		err  error
		busy bool
	}{
		"nil":          {nil, false},
		"plain":        {errors.New("constraint failed"), false},
		"locked":       {errors.New("database is locked"), true},
		"table locked": {errors.New("database table is locked"), true},
		"code 5":       {errors.New("sqlite busy (5)"), true},
		"wrapped":      {fmt.Errorf("claim task: %w", errors.New("database is locked")), true},
		"not found":    {ErrNotFound, false},
	}
	for name, tc := range cases {
		if got := isSQLiteBusy(tc.err); got != tc.busy {
			t.Errorf("%s: isSQLiteBusy = %v, want %v", name, got, tc.busy)
		}
	}
}

func TestRetryOnBusy_RetriesOnlyBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}

	calls = 0
	err = retryOnBusy(context.Background(), 3, func() error {
		calls++
		return ErrClaimConflict
	})
	if !errors.Is(err, ErrClaimConflict) || calls != 1 {
		t.Fatalf("err=%v calls=%d, want ErrClaimConflict after 1 call", err, calls)
	}
}

func TestRetryOnBusy_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := retryOnBusy(ctx, 5, func() error { return errors.New("database is locked") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("retry loop ignored cancellation")
	}
}
