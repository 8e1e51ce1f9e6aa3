package testutil

import (
	"runtime"
	"testing"
	"time"
)

// AssertNoGoroutineLeaks checks that the goroutine count returns to baseline within a deadline.
func AssertNoGoroutineLeaks(t *testing.T, baseline int, margin int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= baseline+margin {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("goroutine leak: baseline=%d, current=%d, margin=%d", baseline, runtime.NumGoroutine(), margin)
}

// Wait blocks until ch is closed or the timeout expires.
func Wait(t *testing.T, ch <-chan struct{}, timeout time.Duration, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for %s", timeout, what)
	}
}

// Eventually polls cond until it holds or the timeout expires.
func Eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v: %s", timeout, what)
		}
		time.Sleep(time.Millisecond)
	}
}
