package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo_SuccessOnRetry(t *testing.T) {
	var attempts []int
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond}, func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return errors.New("503 service unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if len(attempts) != 3 || attempts[2] != 2 {
		t.Fatalf("expected attempts 0,1,2, got %v", attempts)
	}
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	sentinel := errors.New("always fails")
	var calls int
	var notified int
	err := Do(context.Background(), Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry:     func(int, error, time.Duration) { notified++ },
	}, func(int) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if notified != 2 {
		t.Fatalf("expected 2 retry notifications, got %d", notified)
	}
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	sentinel := errors.New("401 unauthorized")
	var calls int
	err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(int) error {
		calls++
		return Permanent(sentinel)
	})
	if err != sentinel {
		t.Fatalf("expected unwrapped sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	var calls atomic.Int32
	err := Do(ctx, Policy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond}, func(int) error {
		calls.Add(1)
		return errors.New("timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c := calls.Load(); c > 2 {
		t.Fatalf("expected at most 2 calls, got %d", c)
	}
}

func TestDo_ZeroMaxAttempts(t *testing.T) {
	var calls int
	_ = Do(context.Background(), Policy{}, func(int) error {
		calls++
		return errors.New("fail")
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt, want := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond} {
		for i := 0; i < 20; i++ {
			got := Backoff(base, attempt)
			if got < want*3/4 || got > want*5/4 {
				t.Fatalf("Backoff(%d) = %v, want within 25%% of %v", attempt, got, want)
			}
		}
	}
	if Backoff(0, 3) != 0 {
		t.Fatal("zero base should not sleep")
	}
}

func TestPermanent(t *testing.T) {
	inner := errors.New("inner")
	pe := Permanent(inner)
	if !errors.Is(pe, inner) {
		t.Fatal("Permanent error should unwrap to inner error")
	}
	if !IsPermanent(pe) {
		t.Fatal("IsPermanent should detect the wrapper")
	}
	if IsPermanent(inner) {
		t.Fatal("plain errors are not permanent")
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}
