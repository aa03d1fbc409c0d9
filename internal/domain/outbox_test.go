package domain

import (
	"testing"
	"time"
)

func TestOutboxEventRetryCeiling(t *testing.T) {
	e := NewOutboxEvent("ORDER_COMPLETED", `{"orderId":1}`)
	if e.Status != OutboxPending {
		t.Fatalf("expected PENDING, got %s", e.Status)
	}

	for i := 0; i < 3; i++ {
		if !e.CanRetry(3) {
			t.Fatalf("expected retryable at count %d", e.RetryCount)
		}
		e.MarkFailed()
	}
	if e.CanRetry(3) {
		t.Fatalf("expected retries exhausted at count %d", e.RetryCount)
	}
	if e.Status != OutboxFailed {
		t.Fatalf("expected FAILED, got %s", e.Status)
	}

	e.MarkSent(time.Now())
	if e.Status != OutboxSent || e.ProcessedAt == nil {
		t.Fatalf("expected SENT with processed_at, got %s", e.Status)
	}
	if e.CanRetry(100) {
		t.Fatal("sent event must never be retried")
	}
}

func TestFailedEventBackoffDoubles(t *testing.T) {
	base := 30 * time.Second
	e := NewFailedEvent("coupon-issue", "1", `{"coupon_id":1,"user_id":2}`, "boom", 3, base)
	now := time.Now()

	expected := []time.Duration{60 * time.Second, 120 * time.Second}
	for i, want := range expected {
		e.BeginRetry(now)
		e.MarkFailed("boom", now, base)
		if e.Status != FailedEventPending {
			t.Fatalf("retry %d: expected PENDING, got %s", i, e.Status)
		}
		got := e.NextRetryAt.Sub(now)
		if got != want {
			t.Fatalf("retry %d: expected backoff %s, got %s", i, want, got)
		}
	}
}

func TestFailedEventAbandonedIsTerminal(t *testing.T) {
	e := NewFailedEvent("coupon-issue", "1", "{}", "boom", 2, time.Second)
	now := time.Now()

	for e.CanRetry() {
		e.BeginRetry(now)
		e.MarkFailed("boom", now, time.Second)
	}
	if e.Status != FailedEventAbandoned {
		t.Fatalf("expected ABANDONED, got %s", e.Status)
	}
	if e.NextRetryAt != nil {
		t.Fatal("abandoned event must not be scheduled")
	}
	if e.ShouldRetryNow(now.Add(time.Hour)) {
		t.Fatal("abandoned event must never retry")
	}
}

func TestFailedEventRecovered(t *testing.T) {
	e := NewFailedEvent("coupon-issue", "1", "{}", "boom", 3, time.Second)
	now := time.Now()

	e.BeginRetry(now)
	e.MarkRecovered(now)
	if e.Status != FailedEventRecovered || e.RecoveredAt == nil {
		t.Fatalf("expected RECOVERED, got %s", e.Status)
	}
	if e.ShouldRetryNow(now.Add(time.Hour)) {
		t.Fatal("recovered event must never retry")
	}
}

func TestFailedEventRespectsSchedule(t *testing.T) {
	e := NewFailedEvent("coupon-issue", "1", "{}", "boom", 3, 30*time.Second)
	now := time.Now()

	if e.ShouldRetryNow(now) {
		t.Fatal("event must wait for its first backoff")
	}
	if !e.ShouldRetryNow(now.Add(31 * time.Second)) {
		t.Fatal("event past next_retry_at must be due")
	}
}
