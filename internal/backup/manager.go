// Package backup takes periodic snapshots of the alert store, keeps the
// newest few on local disk and optionally uploads each one to object storage.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	defaultInterval = 6 * time.Hour
	defaultKeepLast = 24

	snapshotPrefix = "vigil-"
)

// Config controls periodic snapshots.
type Config struct {
	Enabled  bool
	Interval time.Duration
	LocalDir string
	KeepLast int
}

// Snapshotter is implemented by the DuckDB alert store. ExportTo writes a
// consistent export into dir, which must not exist yet.
type Snapshotter interface {
	ExportTo(ctx context.Context, dir string) error
}

// Uploader ships one snapshot directory off the host.
type Uploader interface {
	UploadDir(ctx context.Context, localDir string) error
}

// Manager runs snapshots on an interval.
type Manager struct {
	store    Snapshotter
	uploader Uploader
	cfg      Config
	now      func() time.Time
}

// NewManager validates cfg. It returns nil, nil when snapshots are disabled.
// uploader may be nil.
func NewManager(store Snapshotter, uploader Uploader, cfg Config) (*Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if store == nil {
		return nil, errors.New("backup: nil snapshotter")
	}
	if strings.TrimSpace(cfg.LocalDir) == "" {
		return nil, errors.New("backup: local-dir is required when snapshots are enabled")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = defaultKeepLast
	}
	if err := os.MkdirAll(cfg.LocalDir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create local-dir: %w", err)
	}
	return &Manager{store: store, uploader: uploader, cfg: cfg, now: time.Now}, nil
}

// Run snapshots once at startup and then every interval until ctx is done.
// Failures are logged; the loop keeps going.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.RunOnce(ctx); err != nil {
		log.Printf("backup: startup snapshot failed: %v", err)
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				log.Printf("backup: periodic snapshot failed: %v", err)
			}
		}
	}
}

// RunOnce exports one snapshot directory, uploads it when an uploader is set
// and prunes old local copies.
func (m *Manager) RunOnce(ctx context.Context) error {
	name := snapshotPrefix + m.now().UTC().Format("20060102T150405.000000000")
	localPath := filepath.Join(m.cfg.LocalDir, name)

	if err := m.store.ExportTo(ctx, localPath); err != nil {
		return fmt.Errorf("backup: snapshot: %w", err)
	}
	log.Printf("backup: created snapshot %s", localPath)

	if m.uploader != nil {
		if err := m.uploader.UploadDir(ctx, localPath); err != nil {
			return fmt.Errorf("backup: upload %s: %w", name, err)
		}
		log.Printf("backup: uploaded snapshot %s", name)
	}

	if err := pruneLocal(m.cfg.LocalDir, m.cfg.KeepLast); err != nil {
		return fmt.Errorf("backup: prune: %w", err)
	}
	return nil
}

func pruneLocal(dir string, keepLast int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var snapshots []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() && strings.HasPrefix(name, snapshotPrefix) && !strings.HasSuffix(name, ".tmp") {
			snapshots = append(snapshots, name)
		}
	}
	if len(snapshots) <= keepLast {
		return nil
	}
	// Names embed a fixed-width timestamp, so lexical order is chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(snapshots)))
	for _, old := range snapshots[keepLast:] {
		if err := os.RemoveAll(filepath.Join(dir, old)); err != nil {
			return err
		}
	}
	return nil
}
