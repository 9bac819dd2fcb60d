package model

import "context"

// ArchiveStore durably stores serialized batches addressed by batch id.
// Put must overwrite an existing object with the same id.
type ArchiveStore interface {
	Put(ctx context.Context, batchID string, data []byte) error
	Get(ctx context.Context, batchID string) ([]byte, error)
}

// AlertPublisher publishes a serialized alert to the messaging bus.
// key is the alert id so consumers can discard duplicates.
type AlertPublisher interface {
	Publish(ctx context.Context, topic string, key string, value []byte) error
}

// AlertStore persists alerts in the analytical store, keyed by alert id.
type AlertStore interface {
	InsertOrReplace(ctx context.Context, alert Alert) error
}

// AlertReader lists persisted alerts for read surfaces.
type AlertReader interface {
	RecentAlerts(ctx context.Context, limit int) ([]Alert, error)
	AlertCount(ctx context.Context) (int64, error)
}
