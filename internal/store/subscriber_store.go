package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Priya8975/webhook-notifier/internal/domain"
)

const subscriberColumns = `id, owner_id, url, description, secret, event_types, is_active,
	max_retries, retry_delay_seconds, total_deliveries, successful_deliveries, failed_deliveries,
	last_delivery_at, last_success_at, last_failure_at, created_at, updated_at`

func scanSubscriber(row scanner) (*domain.Subscriber, error) {
	var sub domain.Subscriber
	err := row.Scan(
		&sub.ID, &sub.OwnerID, &sub.URL, &sub.Description, &sub.Secret, &sub.EventTypes, &sub.IsActive,
		&sub.MaxRetries, &sub.RetryDelaySeconds, &sub.TotalDeliveries, &sub.SuccessfulDeliveries, &sub.FailedDeliveries,
		&sub.LastDeliveryAt, &sub.LastSuccessAt, &sub.LastFailureAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func collectSubscribers(rows pgx.Rows) ([]domain.Subscriber, error) {
	defer rows.Close()

	var subscribers []domain.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscriber: %w", err)
		}
		subscribers = append(subscribers, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscribers: %w", err)
	}

	if subscribers == nil {
		subscribers = []domain.Subscriber{}
	}
	return subscribers, nil
}

// CreateSubscriber inserts sub unless the owner already has limit
// subscribers or already registered the same URL. Concurrent creates for one
// owner are serialized with a transaction-scoped advisory lock.
func (s *PostgresStore) CreateSubscriber(ctx context.Context, sub *domain.Subscriber, limit int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sub.OwnerID); err != nil {
		return fmt.Errorf("locking owner: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM subscribers WHERE owner_id = $1`, sub.OwnerID).Scan(&count); err != nil {
		return fmt.Errorf("counting subscribers: %w", err)
	}
	if count >= limit {
		return ErrLimitExceeded
	}

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM subscribers WHERE owner_id = $1 AND url = $2)`,
		sub.OwnerID, sub.URL,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking subscriber url: %w", err)
	}
	if exists {
		return ErrDuplicateURL
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO subscribers (id, owner_id, url, description, secret, event_types, is_active,
			max_retries, retry_delay_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, sub.ID, sub.OwnerID, sub.URL, sub.Description, sub.Secret, sub.EventTypes, sub.IsActive,
		sub.MaxRetries, sub.RetryDelaySeconds, sub.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateURL
		}
		return fmt.Errorf("inserting subscriber: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetSubscriber returns the owner's subscriber, or nil when it does not exist
// or belongs to someone else.
func (s *PostgresStore) GetSubscriber(ctx context.Context, ownerID, id string) (*domain.Subscriber, error) {
	if !validID(id) {
		return nil, nil
	}
	sub, err := scanSubscriber(s.pool.QueryRow(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1 AND owner_id = $2`, id, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying subscriber: %w", err)
	}
	return sub, nil
}

// GetSubscriberByID looks a subscriber up without owner scoping. It is used
// by the delivery pipeline, never by admin callers.
func (s *PostgresStore) GetSubscriberByID(ctx context.Context, id string) (*domain.Subscriber, error) {
	if !validID(id) {
		return nil, nil
	}
	sub, err := scanSubscriber(s.pool.QueryRow(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying subscriber: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubscribers(ctx context.Context, ownerID string) ([]domain.Subscriber, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying subscribers: %w", err)
	}
	return collectSubscribers(rows)
}

// FindActiveSubscribersForEvent returns every active subscriber, across all
// owners, whose event types include eventType.
func (s *PostgresStore) FindActiveSubscribersForEvent(ctx context.Context, eventType string) ([]domain.Subscriber, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers
		WHERE is_active AND event_types @> ARRAY[$1]::text[]
		ORDER BY created_at`, eventType)
	if err != nil {
		return nil, fmt.Errorf("querying matching subscribers: %w", err)
	}
	return collectSubscribers(rows)
}

// UpdateSubscriber applies the non-nil fields of req. It returns nil when the
// subscriber does not exist for the owner.
func (s *PostgresStore) UpdateSubscriber(ctx context.Context, ownerID, id string, req domain.UpdateSubscriberRequest, now time.Time) (*domain.Subscriber, error) {
	if !validID(id) {
		return nil, nil
	}

	setClauses := []string{}
	args := []any{}
	argIdx := 1

	add := func(column string, value any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}

	if req.URL != nil {
		add("url", *req.URL)
	}
	if req.Description != nil {
		add("description", *req.Description)
	}
	if req.EventTypes != nil {
		add("event_types", *req.EventTypes)
	}
	if req.IsActive != nil {
		add("is_active", *req.IsActive)
	}
	if req.MaxRetries != nil {
		add("max_retries", *req.MaxRetries)
	}
	if req.RetryDelaySeconds != nil {
		add("retry_delay_seconds", *req.RetryDelaySeconds)
	}

	if len(setClauses) == 0 {
		return s.GetSubscriber(ctx, ownerID, id)
	}
	add("updated_at", now)

	query := fmt.Sprintf(`
		UPDATE subscribers SET %s
		WHERE id = $%d AND owner_id = $%d
		RETURNING %s
	`, strings.Join(setClauses, ", "), argIdx, argIdx+1, subscriberColumns)
	args = append(args, id, ownerID)

	sub, err := scanSubscriber(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if isUniqueViolation(err) {
			return nil, ErrDuplicateURL
		}
		return nil, fmt.Errorf("updating subscriber: %w", err)
	}
	return sub, nil
}

// UpdateSubscriberSecret replaces the signing secret. It reports false when
// the subscriber does not exist for the owner.
func (s *PostgresStore) UpdateSubscriberSecret(ctx context.Context, ownerID, id, secret string, now time.Time) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscribers SET secret = $1, updated_at = $2 WHERE id = $3 AND owner_id = $4`,
		secret, now, id, ownerID)
	if err != nil {
		return false, fmt.Errorf("updating subscriber secret: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteSubscriber removes the subscriber and, through the foreign key, its
// delivery history.
func (s *PostgresStore) DeleteSubscriber(ctx context.Context, ownerID, id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscribers WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return false, fmt.Errorf("deleting subscriber: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
