package duckdb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tinytelemetry/vigil/internal/model"
)

const alertColumns = `alert_id, rule_id, dedup_key, occurrence_count, first_seen, last_seen, sample_record`

// InsertOrReplace writes alert keyed by alert id. Writing the same alert
// twice leaves one row.
func (s *Store) InsertOrReplace(ctx context.Context, alert model.Alert) error {
	sample, err := json.Marshal(alert.SampleRecord)
	if err != nil {
		return fmt.Errorf("duckdb: encode sample record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO alerts (`+alertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.RuleID,
		alert.DedupKey,
		alert.OccurrenceCount,
		alert.FirstSeen.UTC(),
		alert.LastSeen.UTC(),
		string(sample),
	)
	if err != nil {
		return fmt.Errorf("duckdb: insert alert %s: %w", alert.ID, err)
	}
	return nil
}

// RecentAlerts returns up to limit alerts, newest last_seen first.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts ORDER BY last_seen DESC, alert_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("duckdb: query alerts: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var (
			a      model.Alert
			sample string
		)
		if err := rows.Scan(&a.ID, &a.RuleID, &a.DedupKey, &a.OccurrenceCount, &a.FirstSeen, &a.LastSeen, &sample); err != nil {
			return nil, fmt.Errorf("duckdb: scan alert: %w", err)
		}
		if err := json.Unmarshal([]byte(sample), &a.SampleRecord); err != nil {
			return nil, fmt.Errorf("duckdb: decode sample of %s: %w", a.ID, err)
		}
		a.FirstSeen = a.FirstSeen.UTC()
		a.LastSeen = a.LastSeen.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("duckdb: iterate alerts: %w", err)
	}
	return out, nil
}

// AlertCount returns the number of stored alerts.
func (s *Store) AlertCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("duckdb: count alerts: %w", err)
	}
	return n, nil
}
