package ingest

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tinytelemetry/vigil/internal/model"
)

// SourceAttribute is set on records decoded from line transports.
const SourceAttribute = "vigil.source"

const backpressureLogInterval = 5 * time.Second

// Sink admits decoded records.
type Sink interface {
	SubmitBatch(ctx context.Context, records []model.LogRecord) (int, error)
}

// EnvelopeProcessor decodes source-tagged lines and submits them. Line
// transports have no way to signal 429 to the agent, so on backpressure it
// blocks and retries, which stalls the reader and lets the transport's own
// flow control push back.
type EnvelopeProcessor struct {
	dec  *Decoder
	sink Sink

	mu       sync.Mutex
	lastWarn time.Time
	stalled  int
}

func NewEnvelopeProcessor(sink Sink) *EnvelopeProcessor {
	return &EnvelopeProcessor{dec: NewDecoder(), sink: sink}
}

// ProcessEnvelope decodes env and submits every resulting record. It returns
// nil once all records are accepted, ErrClosed when the buffer stopped
// admitting, or the context error.
func (p *EnvelopeProcessor) ProcessEnvelope(ctx context.Context, env model.IngestEnvelope) error {
	records := p.dec.DecodeLine(env.Line)
	if len(records) == 0 {
		return nil
	}
	if env.Source != "" {
		for i := range records {
			if records[i].Attributes == nil {
				records[i].Attributes = make(map[string]string, 1)
			}
			records[i].Attributes[SourceAttribute] = env.Source
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = time.Second
	eb.MaxElapsedTime = 0

	pending := records
	op := func() error {
		n, err := p.sink.SubmitBatch(ctx, pending)
		pending = pending[n:]
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrBackpressure) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(eb, ctx), func(err error, _ time.Duration) {
		p.warnBackpressure(env.Source)
	})
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrClosed) {
		return ctx.Err()
	}
	return err
}

// warnBackpressure logs at most once per interval.
func (p *EnvelopeProcessor) warnBackpressure(source string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stalled++
	if time.Since(p.lastWarn) < backpressureLogInterval {
		return
	}
	log.Printf("ingest: buffer full, stalling %s reader (%d stalls since last report)", source, p.stalled)
	p.lastWarn = time.Now()
	p.stalled = 0
}
