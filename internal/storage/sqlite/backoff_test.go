package sqlite

import (
	"errors"
	"testing"
	"time"
)

func TestRetryBusyRetriesOnLocked(t *testing.T) {
	cfg := BackoffConfig{MaxRetries: 5, BaseDelay: time.Millisecond, JitterPct: 0}
	var slept []time.Duration
	calls := 0
	err := retryBusy(cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	}, func(d time.Duration) { slept = append(slept, d) })
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	// Delays double per attempt.
	if len(slept) != 2 || slept[0] != time.Millisecond || slept[1] != 2*time.Millisecond {
		t.Fatalf("slept = %v", slept)
	}
}

func TestRetryBusyStopsOnOtherErrors(t *testing.T) {
	boom := errors.New("constraint failed")
	calls := 0
	err := retryBusy(DefaultBackoff(), func() error {
		calls++
		return boom
	}, func(time.Duration) {})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryBusyExhaustsRetries(t *testing.T) {
	cfg := BackoffConfig{MaxRetries: 3, BaseDelay: time.Millisecond, JitterPct: 0}
	calls := 0
	err := retryBusy(cfg, func() error {
		calls++
		return errors.New("database is locked")
	}, func(time.Duration) {})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4 (initial + 3 retries)", calls)
	}
}

func TestIsBusy(t *testing.T) {
	if isBusy(nil) {
		t.Fatal("nil should not be busy")
	}
	if !isBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Fatal("locked error should be busy")
	}
	if isBusy(errors.New("no such table")) {
		t.Fatal("unrelated error should not be busy")
	}
}
