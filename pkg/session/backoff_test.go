package session

import (
	"testing"
	"time"
)

func TestRetrySchedule(t *testing.T) {
	r := NewRetry(time.Second, 4)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		d, ok := r.Next()
		if !ok {
			t.Fatalf("attempt %d: exhausted too early", i)
		}
		if d != w {
			t.Errorf("attempt %d: delay = %v, want %v", i, d, w)
		}
	}
	if _, ok := r.Next(); ok {
		t.Error("expected exhaustion after the budget")
	}
	if r.Count() != 4 {
		t.Errorf("count = %v, want 4", r.Count())
	}
	r.Reset()
	if d, ok := r.Next(); !ok || d != time.Second {
		t.Errorf("after reset: %v, %v", d, ok)
	}
}
