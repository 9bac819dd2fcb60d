package dispatch

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinytelemetry/vigil/internal/model"
)

// DeadLetter is one undeliverable leg of an alert.
type DeadLetter struct {
	Alert    model.Alert `json:"alert"`
	Leg      Leg         `json:"leg"`
	Reason   string      `json:"reason"`
	Attempts int         `json:"attempts"`
	Errors   []string    `json:"errors"`
	FailedAt time.Time   `json:"failed_at"`
}

// DeadLetterStore appends dead letters to a JSONL file, fsyncing each entry.
type DeadLetterStore struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func OpenDeadLetters(path string) (*DeadLetterStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("dispatch: create dead-letter dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("dispatch: open dead-letter file: %w", err)
	}
	return &DeadLetterStore{path: path, f: f}, nil
}

func (s *DeadLetterStore) Path() string { return s.path }

func (s *DeadLetterStore) Append(dl DeadLetter) error {
	line, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("dispatch: encode dead letter: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("dispatch: dead-letter store closed")
	}
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("dispatch: write dead letter: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("dispatch: sync dead letter: %w", err)
	}
	return nil
}

// Entries reads every dead letter. A torn trailing line is skipped.
func (s *DeadLetterStore) Entries() ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("dispatch: open dead letters: %w", err)
	}
	defer f.Close()

	var out []DeadLetter
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dispatch: read dead letters: %w", err)
		}
		var dl DeadLetter
		if err := json.Unmarshal(line, &dl); err != nil {
			return nil, fmt.Errorf("dispatch: decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

func (s *DeadLetterStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
