package duckdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinytelemetry/vigil/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore(\"\"): %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func alertAt(id string, count int, lastSeen time.Time) model.Alert {
	return model.Alert{
		ID:              id,
		RuleID:          "payments-errors",
		DedupKey:        "payments-errors|payments",
		OccurrenceCount: count,
		FirstSeen:       lastSeen.Add(-time.Minute),
		LastSeen:        lastSeen,
		SampleRecord: model.LogRecord{
			Service:    "payments",
			Timestamp:  lastSeen.Add(-time.Minute),
			Severity:   model.SeverityError,
			Message:    "charge failed",
			Attributes: map[string]string{"region": "eu-west-1"},
		},
	}
}

func TestInsertOrReplace_IsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := store.InsertOrReplace(ctx, alertAt("a-1", 96, now)); err != nil {
			t.Fatalf("InsertOrReplace #%d: %v", i+1, err)
		}
	}
	n, err := store.AlertCount(ctx)
	if err != nil {
		t.Fatalf("AlertCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("AlertCount = %d, want 1", n)
	}

	// A replay with a different body replaces the row.
	if err := store.InsertOrReplace(ctx, alertAt("a-1", 97, now)); err != nil {
		t.Fatal(err)
	}
	got, err := store.RecentAlerts(ctx, 10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(got) != 1 || got[0].OccurrenceCount != 97 {
		t.Fatalf("alerts = %+v", got)
	}
}

func TestRecentAlerts_RoundTripsAndOrders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := store.InsertOrReplace(ctx, alertAt(fmt.Sprintf("a-%d", i), i+1, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.RecentAlerts(ctx, 3)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != "a-4" || got[2].ID != "a-2" {
		t.Fatalf("order = %s,%s,%s", got[0].ID, got[1].ID, got[2].ID)
	}

	a := got[0]
	want := alertAt("a-4", 5, base.Add(4*time.Minute))
	if !a.FirstSeen.Equal(want.FirstSeen) || !a.LastSeen.Equal(want.LastSeen) {
		t.Errorf("times = %v/%v, want %v/%v", a.FirstSeen, a.LastSeen, want.FirstSeen, want.LastSeen)
	}
	if a.SampleRecord.Service != "payments" || a.SampleRecord.Severity != model.SeverityError ||
		a.SampleRecord.Attributes["region"] != "eu-west-1" {
		t.Errorf("sample = %+v", a.SampleRecord)
	}
}

func TestExportTo(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := store.InsertOrReplace(ctx, alertAt(fmt.Sprintf("a-%d", i), i+1, time.Now().UTC())); err != nil {
			t.Fatal(err)
		}
	}

	dst := filepath.Join(t.TempDir(), "snapshots", "vigil-1")
	if err := store.ExportTo(ctx, dst); err != nil {
		t.Fatalf("ExportTo: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "schema.sql")); err != nil {
		t.Fatalf("schema.sql missing: %v", err)
	}
	if _, err := os.Stat(dst + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temporary export directory left behind")
	}

	var n int
	q := fmt.Sprintf("SELECT count(*) FROM read_parquet(%s)", quoteLiteral(filepath.Join(dst, "alerts*.parquet")))
	if err := store.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		t.Fatalf("read export: %v", err)
	}
	if n != 3 {
		t.Fatalf("exported alerts = %d, want 3", n)
	}

	if err := store.ExportTo(ctx, dst); err == nil {
		t.Fatal("expected error exporting over an existing snapshot")
	}
}
