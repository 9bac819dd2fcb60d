package logsource

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"sync"

	"github.com/tinytelemetry/vigil/internal/model"
)

const (
	// DefaultStdinBuffer is the default channel buffer size for reader lines.
	DefaultStdinBuffer = 10_000

	// DefaultStdinMaxLineSize is the default maximum size (in bytes) of a single line.
	DefaultStdinMaxLineSize = 1024 * 1024 // 1MB
)

// StdinConfig holds tunable parameters for reader-backed sources.
type StdinConfig struct {
	BufferSize  int
	MaxLineSize int
}

// ReaderSource reads newline-delimited records from an io.Reader.
type ReaderSource struct {
	name     string
	ch       chan model.IngestEnvelope
	cancel   context.CancelFunc
	stopOnce sync.Once
	closer   io.Closer
}

// NewStdinSource reads from os.Stdin in a background goroutine.
func NewStdinSource(ctx context.Context, conf ...StdinConfig) *ReaderSource {
	return NewReaderSource(ctx, "stdin", os.Stdin, conf...)
}

// OpenFileSource reads an existing file once, then closes Lines.
func OpenFileSource(ctx context.Context, path string, conf ...StdinConfig) (*ReaderSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	src := NewReaderSource(ctx, "file:"+path, f, conf...)
	src.closer = f
	return src, nil
}

// NewReaderSource reads from r until EOF, Stop, or ctx cancellation.
func NewReaderSource(ctx context.Context, name string, r io.Reader, conf ...StdinConfig) *ReaderSource {
	bufferSize := DefaultStdinBuffer
	maxLineSize := DefaultStdinMaxLineSize
	if len(conf) > 0 {
		if conf[0].BufferSize > 0 {
			bufferSize = conf[0].BufferSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &ReaderSource{
		name:   name,
		ch:     make(chan model.IngestEnvelope, bufferSize),
		cancel: cancel,
	}
	go s.read(ctx, r, maxLineSize)
	return s
}

func newStdinSourceWithReader(ctx context.Context, r io.Reader) *ReaderSource {
	return NewReaderSource(ctx, "stdin", r)
}

func (s *ReaderSource) read(ctx context.Context, r io.Reader, maxLineSize int) {
	defer close(s.ch)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	// A blocked Scan cannot observe ctx, so scanning runs on its own
	// goroutine and this loop only forwards.
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				log.Printf("logsource: %s line exceeded max size (%d bytes), stopping source", s.name, maxLineSize)
				return
			}
			log.Printf("logsource: %s scanner error: %v", s.name, err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			select {
			case s.ch <- model.IngestEnvelope{Source: s.name, Line: line}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *ReaderSource) Lines() <-chan model.IngestEnvelope { return s.ch }
func (s *ReaderSource) Name() string                       { return s.name }

func (s *ReaderSource) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.closer != nil {
			_ = s.closer.Close()
		}
	})
}
