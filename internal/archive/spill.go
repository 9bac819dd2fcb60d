package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tinytelemetry/vigil/internal/model"
)

// SpillEntry is one batch that could not be written to the archive store.
type SpillEntry struct {
	Batch     model.ArchiveBatch `json:"batch"`
	Reason    string             `json:"reason"`
	Attempts  int                `json:"attempts"`
	SpilledAt time.Time          `json:"spilled_at"`
}

// SpillLog is the local durable fallback for batches that exhausted retries.
// Each entry is a JSON line fsynced before Append returns.
type SpillLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func OpenSpillLog(path string) (*SpillLog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("archive: spill path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("archive: mkdir spill dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("archive: open spill log: %w", err)
	}
	return &SpillLog{path: path, file: f}, nil
}

// Path returns the spill file location.
func (s *SpillLog) Path() string { return s.path }

func (s *SpillLog) Append(entry SpillEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal spill entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("archive: spill log closed")
	}
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("archive: write spill entry: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("archive: sync spill log: %w", err)
	}
	return nil
}

// Entries reads every complete entry. A torn trailing line is skipped.
func (s *SpillLog) Entries() ([]SpillEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readSpill(s.path)
}

func readSpill(path string) ([]SpillEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive: open spill log: %w", err)
	}
	defer f.Close()

	var out []SpillEntry
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("archive: read spill log: %w", err)
		}
		if len(line) == 0 || line[len(line)-1] != '\n' {
			return out, nil
		}
		var e SpillEntry
		if uerr := json.Unmarshal(line, &e); uerr != nil {
			log.Printf("archive: skipping unreadable spill line: %v", uerr)
			continue
		}
		out = append(out, e)
	}
}

// Replay re-puts every spilled batch under its original id. The log is
// truncated only when every put succeeded; otherwise it is left untouched so
// the next replay retries all entries (puts are idempotent by batch id).
func (s *SpillLog) Replay(ctx context.Context, store model.ArchiveStore, codec *Codec) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := readSpill(s.path)
	if err != nil {
		return 0, err
	}

	replayed := 0
	var errs []error
	for _, e := range entries {
		data, err := codec.Encode(e.Batch)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := store.Put(ctx, e.Batch.ID, data); err != nil {
			errs = append(errs, fmt.Errorf("batch %s: %w", e.Batch.ID, err))
			continue
		}
		replayed++
	}
	if len(errs) > 0 {
		return replayed, fmt.Errorf("archive: replay spill: %w", errors.Join(errs...))
	}
	if len(entries) == 0 {
		return 0, nil
	}

	if s.file != nil {
		if err := s.file.Truncate(0); err != nil {
			return replayed, fmt.Errorf("archive: truncate spill log: %w", err)
		}
		if err := s.file.Sync(); err != nil {
			return replayed, fmt.Errorf("archive: sync spill log: %w", err)
		}
	} else if err := os.Truncate(s.path, 0); err != nil {
		return replayed, fmt.Errorf("archive: truncate spill log: %w", err)
	}
	return replayed, nil
}

func (s *SpillLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
