package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/Priya8975/webhook-notifier/internal/domain"
)

const deliveryColumns = `id, subscriber_id, event_type, event_id, request_url, request_method,
	request_headers, request_body, response_status, response_body, response_time_ms, status,
	retry_count, max_retries, error_message, created_at, sent_at, completed_at, next_retry_at`

const summaryColumns = `id, event_type, event_id, response_status, response_time_ms, status,
	retry_count, error_message, created_at, completed_at`

func scanDelivery(row scanner) (*domain.Delivery, error) {
	var (
		d       domain.Delivery
		eventID *string
		body    []byte
		status  string
	)
	err := row.Scan(
		&d.ID, &d.SubscriberID, &d.EventType, &eventID, &d.RequestURL, &d.RequestMethod,
		&d.RequestHeaders, &body, &d.ResponseStatus, &d.ResponseBody, &d.ResponseTimeMs, &status,
		&d.RetryCount, &d.MaxRetries, &d.ErrorMessage, &d.CreatedAt, &d.SentAt, &d.CompletedAt, &d.NextRetryAt,
	)
	if err != nil {
		return nil, err
	}
	if eventID != nil {
		d.EventID = *eventID
	}
	d.RequestBody = json.RawMessage(body)
	d.Status = domain.DeliveryStatus(status)
	return &d, nil
}

func scanSummaries(rows pgx.Rows) ([]domain.DeliverySummary, error) {
	defer rows.Close()

	var summaries []domain.DeliverySummary
	for rows.Next() {
		var (
			sum     domain.DeliverySummary
			eventID *string
			status  string
		)
		err := rows.Scan(
			&sum.ID, &sum.EventType, &eventID, &sum.ResponseStatus, &sum.ResponseTimeMs, &status,
			&sum.RetryCount, &sum.ErrorMessage, &sum.CreatedAt, &sum.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		if eventID != nil {
			sum.EventID = *eventID
		}
		sum.Status = domain.DeliveryStatus(status)
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deliveries: %w", err)
	}

	if summaries == nil {
		summaries = []domain.DeliverySummary{}
	}
	return summaries, nil
}

func (s *PostgresStore) CreateDelivery(ctx context.Context, d *domain.Delivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deliveries (id, subscriber_id, event_type, event_id, request_url, request_method,
			request_body, status, retry_count, max_retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, d.ID, d.SubscriberID, d.EventType, nullString(d.EventID), d.RequestURL, d.RequestMethod,
		[]byte(d.RequestBody), string(d.Status), d.RetryCount, d.MaxRetries, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting delivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*domain.Delivery, error) {
	if !validID(id) {
		return nil, nil
	}
	d, err := scanDelivery(s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying delivery: %w", err)
	}
	return d, nil
}

// ClaimDelivery moves a PENDING delivery, or a RETRYING one whose retry time
// has passed, to SENT. It returns nil when the delivery is not claimable,
// which is how concurrent workers avoid sending the same attempt twice.
func (s *PostgresStore) ClaimDelivery(ctx context.Context, id string, now time.Time) (*domain.Delivery, error) {
	if !validID(id) {
		return nil, nil
	}
	d, err := scanDelivery(s.pool.QueryRow(ctx, `
		UPDATE deliveries
		SET status = 'SENT', sent_at = $2, next_retry_at = NULL
		WHERE id = $1
		  AND (status = 'PENDING' OR (status = 'RETRYING' AND next_retry_at <= $2))
		RETURNING `+deliveryColumns, id, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming delivery: %w", err)
	}
	return d, nil
}

// SaveAttempt persists the outcome of an attempt and bumps the subscriber's
// counters in the same transaction. The counters use in-place increments so
// concurrent attempts for one subscriber never lose updates.
func (s *PostgresStore) SaveAttempt(ctx context.Context, d *domain.Delivery, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE deliveries SET
			status = $2, request_url = $3, request_headers = $4, response_status = $5,
			response_body = $6, response_time_ms = $7, retry_count = $8, error_message = $9,
			completed_at = $10, next_retry_at = $11
		WHERE id = $1 AND status = 'SENT'
	`, d.ID, string(d.Status), d.RequestURL, d.RequestHeaders, d.ResponseStatus,
		d.ResponseBody, d.ResponseTimeMs, d.RetryCount, d.ErrorMessage,
		d.CompletedAt, d.NextRetryAt)
	if err != nil {
		return fmt.Errorf("updating delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleDelivery
	}

	success := d.Status == domain.StatusSuccess
	_, err = tx.Exec(ctx, `
		UPDATE subscribers SET
			total_deliveries = total_deliveries + 1,
			successful_deliveries = successful_deliveries + CASE WHEN $2 THEN 1 ELSE 0 END,
			failed_deliveries = failed_deliveries + CASE WHEN $2 THEN 0 ELSE 1 END,
			last_delivery_at = $3,
			last_success_at = CASE WHEN $2 THEN $3 ELSE last_success_at END,
			last_failure_at = CASE WHEN $2 THEN last_failure_at ELSE $3 END
		WHERE id = $1
	`, d.SubscriberID, success, at)
	if err != nil {
		return fmt.Errorf("updating subscriber counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// FailRetrying moves a waiting retry straight to FAILED with message. Only
// RETRYING rows are touched; it reports whether one was.
func (s *PostgresStore) FailRetrying(ctx context.Context, id, message string, now time.Time) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = 'FAILED', error_message = $2, completed_at = $3, next_retry_at = NULL
		WHERE id = $1 AND status = 'RETRYING'
	`, id, message, now)
	if err != nil {
		return false, fmt.Errorf("failing delivery: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListDueRetries returns RETRYING deliveries whose retry time has passed,
// oldest first, along with whether their subscriber is still active.
func (s *PostgresStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.DueRetry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.subscriber_id, s.is_active, d.next_retry_at
		FROM deliveries d
		JOIN subscribers s ON s.id = d.subscriber_id
		WHERE d.status = 'RETRYING' AND d.next_retry_at <= $1
		ORDER BY d.next_retry_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("querying due retries: %w", err)
	}
	defer rows.Close()

	due := []domain.DueRetry{}
	for rows.Next() {
		var r domain.DueRetry
		if err := rows.Scan(&r.DeliveryID, &r.SubscriberID, &r.SubscriberActive, &r.NextRetryAt); err != nil {
			return nil, fmt.Errorf("scanning due retry: %w", err)
		}
		due = append(due, r)
	}
	return due, rows.Err()
}

// ListStalePending returns ids of PENDING deliveries created before cutoff.
// These were never picked up, usually because the process died between
// creating the row and queueing it.
func (s *PostgresStore) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM deliveries
		WHERE status = 'PENDING' AND created_at <= $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("querying stale deliveries: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning delivery id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListStaleSent returns ids of SENT deliveries claimed before cutoff. A row
// stays SENT only while an attempt is in flight, so these were abandoned by a
// worker that died before recording the outcome.
func (s *PostgresStore) ListStaleSent(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM deliveries
		WHERE status = 'SENT' AND sent_at <= $1
		ORDER BY sent_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("querying stale in-flight deliveries: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning delivery id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListDeliveries pages through a subscriber's history, newest first.
func (s *PostgresStore) ListDeliveries(ctx context.Context, subscriberID string, offset, limit int) ([]domain.DeliverySummary, int64, error) {
	if !validID(subscriberID) {
		return []domain.DeliverySummary{}, 0, nil
	}

	var total int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deliveries WHERE subscriber_id = $1`, subscriberID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting deliveries: %w", err)
	}
	if offset < 0 || limit < 1 || int64(offset) >= total {
		return []domain.DeliverySummary{}, total, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+summaryColumns+` FROM deliveries
		WHERE subscriber_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, subscriberID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("querying deliveries: %w", err)
	}
	summaries, err := scanSummaries(rows)
	if err != nil {
		return nil, 0, err
	}
	return summaries, total, nil
}

// ListDeliveriesByEvent finds every delivery of one event to the owner's
// subscribers.
func (s *PostgresStore) ListDeliveriesByEvent(ctx context.Context, ownerID, eventType, eventID string) ([]domain.DeliverySummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.event_type, d.event_id, d.response_status, d.response_time_ms, d.status,
			d.retry_count, d.error_message, d.created_at, d.completed_at
		FROM deliveries d
		JOIN subscribers s ON s.id = d.subscriber_id
		WHERE s.owner_id = $1 AND d.event_type = $2 AND d.event_id = $3
		ORDER BY d.created_at DESC
	`, ownerID, eventType, eventID)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries by event: %w", err)
	}
	return scanSummaries(rows)
}

// PruneDeliveries deletes finished deliveries completed before cutoff.
func (s *PostgresStore) PruneDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM deliveries
		WHERE status IN ('SUCCESS', 'FAILED') AND completed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}
