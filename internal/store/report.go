package store

import (
	"context"
	"fmt"
	"time"
)

// DeliveryStatusCounts aggregates delivery_status rows created within
// [start, end] into (channel, status) buckets.
func (r *Repository) DeliveryStatusCounts(ctx context.Context, start, end time.Time) ([]StatusCount, error) {
	query := `
		SELECT channel, status, COUNT(*)
		FROM delivery_status
		WHERE created_at >= $1 AND created_at <= $2
		GROUP BY channel, status
		ORDER BY channel, status
	`

	rows, err := r.db.Pool().Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query delivery status counts: %w", err)
	}
	defer rows.Close()

	var counts []StatusCount
	for rows.Next() {
		var c StatusCount
		if err := rows.Scan(&c.Channel, &c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts = append(counts, c)
	}

	return counts, rows.Err()
}

// AvgDeliveryLatency returns the mean seconds between sent_at and
// delivered_at for records in the window where both are present. Returns nil
// when no record qualifies; records missing delivered_at are simply excluded.
func (r *Repository) AvgDeliveryLatency(ctx context.Context, start, end time.Time) (*float64, error) {
	query := `
		SELECT AVG(EXTRACT(EPOCH FROM delivered_at - sent_at))
		FROM delivery_status
		WHERE created_at >= $1 AND created_at <= $2
		  AND sent_at IS NOT NULL AND delivered_at IS NOT NULL
	`

	var avg *float64
	if err := r.db.Pool().QueryRow(ctx, query, start, end).Scan(&avg); err != nil {
		return nil, fmt.Errorf("query delivery latency: %w", err)
	}
	return avg, nil
}
