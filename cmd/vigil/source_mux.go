package main

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/tinytelemetry/vigil/internal/model"
)

// DefaultMuxBuffer is the default channel buffer size for the source multiplexer.
const DefaultMuxBuffer = 50_000

// EnvelopeHandler consumes one raw line. Returning an error other than a
// context error drops that line and keeps the loop running.
type EnvelopeHandler func(ctx context.Context, env model.IngestEnvelope) error

// SourceMultiplexer merges multiple log sources into a single read-only stream.
type SourceMultiplexer struct {
	ctx    context.Context
	cancel context.CancelFunc

	sources []NamedLogSource
	lines   chan model.IngestEnvelope

	forwarded atomic.Int64
	dropped   atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewSourceMultiplexer(parent context.Context, sources []NamedLogSource, buffer int) *SourceMultiplexer {
	if buffer <= 0 {
		buffer = DefaultMuxBuffer
	}
	ctx, cancel := context.WithCancel(parent)
	return &SourceMultiplexer{
		ctx:     ctx,
		cancel:  cancel,
		sources: sources,
		lines:   make(chan model.IngestEnvelope, buffer),
	}
}

func (m *SourceMultiplexer) Start() {
	m.startOnce.Do(func() {
		if len(m.sources) == 0 {
			m.closeOutput()
			return
		}

		for _, src := range m.sources {
			m.wg.Add(1)
			go m.forward(src)
		}

		go func() {
			m.wg.Wait()
			m.closeOutput()
		}()
	})
}

// Stop stops every source and closes the output once forwarders exit.
// Lines already buffered stay readable.
func (m *SourceMultiplexer) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		for _, src := range m.sources {
			src.Stop()
		}
		m.wg.Wait()
		m.closeOutput()
	})
}

func (m *SourceMultiplexer) HasSources() bool {
	return len(m.sources) > 0
}

// Names lists the sources in registration order.
func (m *SourceMultiplexer) Names() []string {
	names := make([]string, 0, len(m.sources))
	for _, src := range m.sources {
		names = append(names, src.Name())
	}
	return names
}

func (m *SourceMultiplexer) Lines() <-chan model.IngestEnvelope {
	return m.lines
}

// Consume feeds every line to handle until the output closes or ctx ends.
func (m *SourceMultiplexer) Consume(ctx context.Context, handle EnvelopeHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-m.lines:
			if !ok {
				return nil
			}
			if err := handle(ctx, env); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				m.dropped.Add(1)
				log.Printf("mux: dropped line from %s: %v", env.Source, err)
			}
		}
	}
}

// Stats reports lines forwarded from sources and lines the handler dropped.
func (m *SourceMultiplexer) Stats() (forwarded, dropped int64) {
	return m.forwarded.Load(), m.dropped.Load()
}

func (m *SourceMultiplexer) forward(src NamedLogSource) {
	defer m.wg.Done()

	sourceLines := src.Lines()
	for {
		select {
		case <-m.ctx.Done():
			return
		case line, ok := <-sourceLines:
			if !ok {
				return
			}
			if line.Line == "" {
				continue
			}
			if line.Source == "" {
				line.Source = src.Name()
			}
			select {
			case m.lines <- line:
				m.forwarded.Add(1)
			case <-m.ctx.Done():
				return
			}
		}
	}
}

func (m *SourceMultiplexer) closeOutput() {
	m.closeOnce.Do(func() {
		close(m.lines)
	})
}
