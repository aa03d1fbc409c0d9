package domain

import (
	"math"
	"time"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSent    OutboxStatus = "SENT"
	OutboxFailed  OutboxStatus = "FAILED"
)

// OutboxEvent is a durable record of a side effect whose immediate
// delivery failed. A background sweep retries it until the ceiling;
// records past the ceiling stay FAILED for operator handling.
type OutboxEvent struct {
	ID          int64
	EventType   string
	Payload     string
	Status      OutboxStatus
	RetryCount  int
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

func NewOutboxEvent(eventType, payload string) *OutboxEvent {
	return &OutboxEvent{
		EventType: eventType,
		Payload:   payload,
		Status:    OutboxPending,
		CreatedAt: time.Now(),
	}
}

func (e *OutboxEvent) MarkSent(now time.Time) {
	e.Status = OutboxSent
	e.ProcessedAt = &now
}

func (e *OutboxEvent) MarkFailed() {
	e.Status = OutboxFailed
	e.RetryCount++
}

func (e *OutboxEvent) CanRetry(maxRetries int) bool {
	return e.Status != OutboxSent && e.RetryCount < maxRetries
}

type FailedEventStatus string

const (
	FailedEventPending   FailedEventStatus = "PENDING"
	FailedEventRetrying  FailedEventStatus = "RETRYING"
	FailedEventRecovered FailedEventStatus = "RECOVERED"
	FailedEventAbandoned FailedEventStatus = "ABANDONED"
)

// FailedEvent is a dead-lettered commit message. The failed-event sweep
// replays it with exponential backoff; ABANDONED is terminal and
// requires manual intervention, never auto-deletion.
type FailedEvent struct {
	ID            int64
	Topic         string
	EventKey      string
	Payload       string
	ErrorMessage  string
	Status        FailedEventStatus
	RetryCount    int
	MaxRetryCount int
	CreatedAt     time.Time
	LastRetryAt   *time.Time
	RecoveredAt   *time.Time
	NextRetryAt   *time.Time
}

func NewFailedEvent(topic, eventKey, payload, errorMessage string, maxRetries int, baseBackoff time.Duration) *FailedEvent {
	now := time.Now()
	next := now.Add(baseBackoff)
	return &FailedEvent{
		Topic:         topic,
		EventKey:      eventKey,
		Payload:       payload,
		ErrorMessage:  errorMessage,
		Status:        FailedEventPending,
		MaxRetryCount: maxRetries,
		CreatedAt:     now,
		NextRetryAt:   &next,
	}
}

func (e *FailedEvent) CanRetry() bool {
	return e.RetryCount < e.MaxRetryCount &&
		e.Status != FailedEventRecovered &&
		e.Status != FailedEventAbandoned
}

func (e *FailedEvent) ShouldRetryNow(now time.Time) bool {
	if !e.CanRetry() {
		return false
	}
	if e.NextRetryAt == nil {
		return true
	}
	return !e.NextRetryAt.After(now)
}

func (e *FailedEvent) BeginRetry(now time.Time) {
	e.Status = FailedEventRetrying
	e.RetryCount++
	e.LastRetryAt = &now
}

func (e *FailedEvent) MarkRecovered(now time.Time) {
	e.Status = FailedEventRecovered
	e.RecoveredAt = &now
	e.NextRetryAt = nil
}

// MarkFailed schedules the next attempt with exponential backoff
// (base, 2*base, 4*base, ...) or abandons the event once retries are
// exhausted.
func (e *FailedEvent) MarkFailed(errorMessage string, now time.Time, baseBackoff time.Duration) {
	e.ErrorMessage = errorMessage
	if e.RetryCount >= e.MaxRetryCount {
		e.Status = FailedEventAbandoned
		e.NextRetryAt = nil
		return
	}
	e.Status = FailedEventPending
	delay := time.Duration(float64(baseBackoff) * math.Pow(2, float64(e.RetryCount)))
	next := now.Add(delay)
	e.NextRetryAt = &next
}
