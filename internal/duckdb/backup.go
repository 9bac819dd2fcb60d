package duckdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExportTo writes a consistent copy of the database to dir as parquet files
// plus schema.sql and load.sql, restorable with IMPORT DATABASE. The export
// holds the write lock, so no alert lands halfway through it. dir must not
// exist; the export is written next to it and renamed into place.
func (s *Store) ExportTo(ctx context.Context, dir string) error {
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("duckdb: export target %s already exists", dir)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("duckdb: create export parent: %w", err)
	}
	tmp := dir + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("duckdb: clear stale export: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stmt := fmt.Sprintf("EXPORT DATABASE %s (FORMAT parquet)", quoteLiteral(tmp))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("duckdb: export: %w", err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("duckdb: publish export: %w", err)
	}
	return nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
