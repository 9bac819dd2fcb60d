package archive

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const objectSuffix = ".jsonl.zst"

// ErrNotFound is returned by Get when no object exists for the batch id.
var ErrNotFound = errors.New("archive: batch not found")

// NewBatchID returns a time-ordered (v7) UUID so the object key can carry
// the creation date without a lookup.
func NewBatchID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ObjectKey maps a batch id to <prefix>/<yyyy>/<mm>/<dd>/<batch_id>.jsonl.zst.
// The date comes from the v7 timestamp; ids of other versions go directly
// under the prefix. The mapping is pure, so re-putting a batch overwrites it.
func ObjectKey(prefix, batchID string) string {
	name := batchID + objectSuffix
	prefix = strings.Trim(prefix, "/")
	if ts, ok := batchTime(batchID); ok {
		name = path.Join(ts.Format("2006"), ts.Format("01"), ts.Format("02"), name)
	}
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

func batchTime(batchID string) (time.Time, bool) {
	id, err := uuid.Parse(batchID)
	if err != nil || id.Version() != 7 {
		return time.Time{}, false
	}
	var ms [8]byte
	copy(ms[2:], id[:6])
	return time.UnixMilli(int64(binary.BigEndian.Uint64(ms[:]))).UTC(), true
}

// LocalStore keeps archive objects on the local filesystem.
type LocalStore struct {
	root   string
	prefix string
}

func NewLocalStore(root, prefix string) (*LocalStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("archive: local store root is empty")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("archive: mkdir %s: %w", root, err)
	}
	return &LocalStore{root: root, prefix: prefix}, nil
}

func (s *LocalStore) pathFor(batchID string) string {
	return filepath.Join(s.root, filepath.FromSlash(ObjectKey(s.prefix, batchID)))
}

// Put writes data to a temp file, fsyncs it and renames it into place, so a
// reader never observes a partial object.
func (s *LocalStore) Put(ctx context.Context, batchID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := s.pathFor(batchID)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("archive: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return fmt.Errorf("archive: create temp: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("archive: write %s: %w", batchID, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("archive: sync %s: %w", batchID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("archive: close %s: %w", batchID, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("archive: rename %s: %w", batchID, err)
	}
	return syncDir(filepath.Dir(dst))
}

func (s *LocalStore) Get(ctx context.Context, batchID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.pathFor(batchID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", batchID, err)
	}
	return data, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("archive: open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("archive: sync dir: %w", err)
	}
	return nil
}
