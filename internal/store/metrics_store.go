package store

import (
	"context"
	"fmt"

	"github.com/Priya8975/webhook-notifier/internal/domain"
)

// GetDeliveryStats aggregates a subscriber's delivery history by status.
func (s *PostgresStore) GetDeliveryStats(ctx context.Context, subscriberID string) (*domain.DeliveryStats, error) {
	var st domain.DeliveryStats
	if !validID(subscriberID) {
		return &st, nil
	}

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status IN ('PENDING', 'SENT')) AS pending,
			COUNT(*) FILTER (WHERE status = 'RETRYING') AS retrying,
			COUNT(*) FILTER (WHERE status = 'SUCCESS') AS successful,
			COUNT(*) FILTER (WHERE status = 'FAILED') AS failed,
			COALESCE(AVG(response_time_ms) FILTER (WHERE response_time_ms IS NOT NULL), 0) AS avg_response_ms
		FROM deliveries
		WHERE subscriber_id = $1
	`, subscriberID).Scan(&st.Total, &st.Pending, &st.Retrying, &st.Successful, &st.Failed, &st.AvgResponseTimeMs)
	if err != nil {
		return nil, fmt.Errorf("querying delivery stats: %w", err)
	}
	return &st, nil
}
