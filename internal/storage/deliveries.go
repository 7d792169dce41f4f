package storage

import (
	"context"
	"fmt"
	"time"
)

// BeginDelivery implements DeliveryStore.
//
// The insert reserves (provider, delivery_id) with ON CONFLICT DO NOTHING.
// When no row is inserted the delivery was seen before and the original
// record is returned so the caller can answer with the same request id.
func (db *DB) BeginDelivery(ctx context.Context, d WebhookDelivery) (WebhookDelivery, bool, error) {
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = db.now().UTC()
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO webhook_deliveries (provider, delivery_id, request_id, trace_id, received_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT DO NOTHING`,
		d.Provider, d.DeliveryID, d.RequestID, d.TraceID, d.ReceivedAt,
	)
	if err != nil {
		return WebhookDelivery{}, false, fmt.Errorf("storage: begin delivery: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return d, false, nil
	}

	var prev WebhookDelivery
	if err := db.pool.QueryRow(ctx,
		`SELECT provider, delivery_id, request_id, trace_id, received_at
		 FROM webhook_deliveries WHERE provider = $1 AND delivery_id = $2`,
		d.Provider, d.DeliveryID,
	).Scan(&prev.Provider, &prev.DeliveryID, &prev.RequestID, &prev.TraceID, &prev.ReceivedAt); err != nil {
		return WebhookDelivery{}, false, fmt.Errorf("storage: lookup delivery: %w", err)
	}
	return prev, true, nil
}

// SweepDeliveries implements DeliveryStore.
func (db *DB) SweepDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM webhook_deliveries WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: sweep deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}
