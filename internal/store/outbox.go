package store

import (
	"context"
	"fmt"
	"time"

	"flashmart/internal/domain"
)

func (s *Store) SaveOutboxEvent(ctx context.Context, e *domain.OutboxEvent) (*domain.OutboxEvent, error) {
	if e.ID == 0 {
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO outbox_events (event_type, payload, status, retry_count, created_at, processed_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, e.EventType, e.Payload, e.Status, e.RetryCount, e.CreatedAt, e.ProcessedAt).Scan(&e.ID)
		if err != nil {
			return nil, fmt.Errorf("insert outbox event: %w", err)
		}
		return e, nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events SET status = $1, retry_count = $2, processed_at = $3 WHERE id = $4
	`, e.Status, e.RetryCount, e.ProcessedAt, e.ID)
	if err != nil {
		return nil, fmt.Errorf("update outbox event: %w", err)
	}
	return e, nil
}

func (s *Store) FindOutboxByStatus(ctx context.Context, status domain.OutboxStatus) ([]domain.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, payload, status, retry_count, created_at, processed_at
		FROM outbox_events WHERE status = $1 ORDER BY created_at
	`, status)
	if err != nil {
		return nil, fmt.Errorf("find outbox by status: %w", err)
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Payload, &e.Status, &e.RetryCount, &e.CreatedAt, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) SaveFailedEvent(ctx context.Context, e *domain.FailedEvent) (*domain.FailedEvent, error) {
	if e.ID == 0 {
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO failed_events (topic, event_key, payload, error_message, status,
				retry_count, max_retry_count, created_at, last_retry_at, recovered_at, next_retry_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id
		`, e.Topic, e.EventKey, e.Payload, e.ErrorMessage, e.Status, e.RetryCount,
			e.MaxRetryCount, e.CreatedAt, e.LastRetryAt, e.RecoveredAt, e.NextRetryAt).Scan(&e.ID)
		if err != nil {
			return nil, fmt.Errorf("insert failed event: %w", err)
		}
		return e, nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE failed_events SET error_message = $1, status = $2, retry_count = $3,
			last_retry_at = $4, recovered_at = $5, next_retry_at = $6
		WHERE id = $7
	`, e.ErrorMessage, e.Status, e.RetryCount, e.LastRetryAt, e.RecoveredAt, e.NextRetryAt, e.ID)
	if err != nil {
		return nil, fmt.Errorf("update failed event: %w", err)
	}
	return e, nil
}

// FindRetryableFailedEvents returns non-terminal events whose backoff
// has elapsed. ABANDONED and RECOVERED rows are never returned.
func (s *Store) FindRetryableFailedEvents(ctx context.Context, now time.Time) ([]domain.FailedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, event_key, payload, error_message, status, retry_count,
			max_retry_count, created_at, last_retry_at, recovered_at, next_retry_at
		FROM failed_events
		WHERE status IN ($1, $2) AND retry_count < max_retry_count
			AND (next_retry_at IS NULL OR next_retry_at <= $3)
		ORDER BY created_at
	`, domain.FailedEventPending, domain.FailedEventRetrying, now)
	if err != nil {
		return nil, fmt.Errorf("find retryable failed events: %w", err)
	}
	defer rows.Close()

	var events []domain.FailedEvent
	for rows.Next() {
		var e domain.FailedEvent
		if err := rows.Scan(&e.ID, &e.Topic, &e.EventKey, &e.Payload, &e.ErrorMessage, &e.Status,
			&e.RetryCount, &e.MaxRetryCount, &e.CreatedAt, &e.LastRetryAt, &e.RecoveredAt, &e.NextRetryAt); err != nil {
			return nil, fmt.Errorf("scan failed event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) ListFailedEvents(ctx context.Context, status domain.FailedEventStatus, limit int) ([]domain.FailedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, event_key, payload, error_message, status, retry_count,
			max_retry_count, created_at, last_retry_at, recovered_at, next_retry_at
		FROM failed_events WHERE status = $1 ORDER BY created_at LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed events: %w", err)
	}
	defer rows.Close()

	var events []domain.FailedEvent
	for rows.Next() {
		var e domain.FailedEvent
		if err := rows.Scan(&e.ID, &e.Topic, &e.EventKey, &e.Payload, &e.ErrorMessage, &e.Status,
			&e.RetryCount, &e.MaxRetryCount, &e.CreatedAt, &e.LastRetryAt, &e.RecoveredAt, &e.NextRetryAt); err != nil {
			return nil, fmt.Errorf("scan failed event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
