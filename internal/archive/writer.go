package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tinytelemetry/vigil/internal/ingest"
	"github.com/tinytelemetry/vigil/internal/metrics"
	"github.com/tinytelemetry/vigil/internal/model"
)

// ErrArchivalDegraded marks a batch that exhausted retries and was spilled.
var ErrArchivalDegraded = errors.New("archive: archival degraded")

var tracer = otel.Tracer("github.com/tinytelemetry/vigil/internal/archive")

// Source is the stream the writer consumes, normally an ingest cursor.
type Source interface {
	Next(ctx context.Context) (ingest.Entry, error)
}

// Committer acknowledges journal sequences once their records are durable.
type Committer interface {
	Commit(seq uint64) error
}

// Result describes the fate of one batch.
type Result struct {
	BatchID  string
	Records  int
	Attempts int
	Retries  int
	Spilled  bool
	Err      error // wraps ErrArchivalDegraded when Spilled
}

// WriterConfig holds tunable parameters for the archival writer.
type WriterConfig struct {
	BatchSize      int
	BatchTimeout   time.Duration
	RetryLimit     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Store   model.ArchiveStore
	Spill   *SpillLog
	Codec   *Codec
	Journal Committer
	Metrics *metrics.Metrics

	// OnResult is called synchronously after every batch.
	OnResult func(Result)
}

// Writer batches records from its source and writes them to the archive store.
type Writer struct {
	cfg WriterConfig
	now func() time.Time
}

func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Store == nil {
		return nil, errors.New("archive: store is required")
	}
	if cfg.Spill == nil {
		return nil, errors.New("archive: spill log is required")
	}
	if cfg.Codec == nil {
		return nil, errors.New("archive: codec is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = model.DefaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = model.DefaultBatchTimeout
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	return &Writer{cfg: cfg, now: time.Now}, nil
}

// Run consumes src until it is exhausted (io.EOF or a closed cursor), then
// flushes the open batch and returns nil. If ctx ends first the open batch is
// spilled without touching the store and ctx.Err() is returned. A non-nil
// error other than ctx.Err() means a batch could be neither archived nor
// spilled; its records stay uncommitted in the journal.
func (w *Writer) Run(ctx context.Context, src Source) error {
	entries := make(chan ingest.Entry)
	readDone := make(chan readEnd, 1)
	go func() {
		for {
			e, err := src.Next(ctx)
			if err != nil {
				readDone <- readEnd{err: err}
				return
			}
			select {
			case entries <- e:
			case <-ctx.Done():
				// e already left the cursor; hand it back with the stop.
				readDone <- readEnd{err: ctx.Err(), held: &e}
				return
			}
		}
	}()

	var (
		pending  []ingest.Entry
		timer    *time.Timer
		deadline <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, deadline = nil, nil
	}
	flush := func() error {
		stopTimer()
		if len(pending) == 0 {
			return nil
		}
		batch := pending
		pending = nil
		_, err := w.Archive(ctx, batch)
		return err
	}

	for {
		select {
		case e := <-entries:
			if len(pending) == 0 {
				timer = time.NewTimer(w.cfg.BatchTimeout)
				deadline = timer.C
			}
			pending = append(pending, e)
			if len(pending) >= w.cfg.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}

		case <-deadline:
			if err := flush(); err != nil {
				return err
			}

		case end := <-readDone:
			if end.held != nil {
				pending = append(pending, *end.held)
			}
			if ctx.Err() != nil {
				stopTimer()
				return w.abandon(ctx, pending)
			}
			if ferr := flush(); ferr != nil {
				return ferr
			}
			if errors.Is(end.err, io.EOF) || errors.Is(end.err, ingest.ErrCursorClosed) {
				return nil
			}
			return end.err

		case <-ctx.Done():
			stopTimer()
			// The reader stops promptly once ctx is done; collect what it holds.
			if end := <-readDone; end.held != nil {
				pending = append(pending, *end.held)
			}
			return w.abandon(ctx, pending)
		}
	}
}

type readEnd struct {
	err  error
	held *ingest.Entry
}

// abandon spills entries without touching the store and returns ctx.Err().
func (w *Writer) abandon(ctx context.Context, pending []ingest.Entry) error {
	if len(pending) == 0 {
		return ctx.Err()
	}
	batch := w.newBatch(pending)
	if err := w.spill(batch, 0, fmt.Errorf("abandoned: %w", ctx.Err())); err == nil {
		w.commit(pending)
		w.cfg.Metrics.BatchSpilled(0)
		w.report(Result{
			BatchID: batch.ID,
			Records: len(batch.Records),
			Spilled: true,
			Err:     fmt.Errorf("%w: batch %s abandoned on shutdown", ErrArchivalDegraded, batch.ID),
		})
	}
	return ctx.Err()
}

// Archive writes entries as one batch, retrying with exponential backoff and
// spilling on exhaustion. The returned error is non-nil only when the spill
// itself failed.
func (w *Writer) Archive(ctx context.Context, entries []ingest.Entry) (Result, error) {
	batch := w.newBatch(entries)
	res := Result{BatchID: batch.ID, Records: len(batch.Records)}

	data, err := w.cfg.Codec.Encode(batch)
	if err == nil {
		err = w.putWithRetry(ctx, batch.ID, data, &res)
	}
	if res.Attempts > 0 {
		res.Retries = res.Attempts - 1
	}

	if err != nil {
		res.Spilled = true
		res.Err = fmt.Errorf("%w: batch %s after %d attempts: %v", ErrArchivalDegraded, batch.ID, res.Attempts, err)
		if serr := w.spill(batch, res.Attempts, err); serr != nil {
			w.report(res)
			return res, serr
		}
		w.cfg.Metrics.BatchSpilled(res.Retries)
	} else {
		w.cfg.Metrics.BatchArchived(res.Retries)
	}

	w.commit(entries)
	w.report(res)
	return res, nil
}

func (w *Writer) putWithRetry(ctx context.Context, batchID string, data []byte, res *Result) error {
	ctx, span := tracer.Start(ctx, "archive.put", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("vigil.batch_id", batchID),
		attribute.Int("vigil.batch_bytes", len(data)),
	)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.cfg.InitialBackoff
	eb.MaxInterval = w.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(w.cfg.RetryLimit)), ctx)

	op := func() error {
		res.Attempts++
		return w.cfg.Store.Put(ctx, batchID, data)
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("archive: put batch %s failed (attempt %d), retrying in %s: %v", batchID, res.Attempts, wait, err)
	}
	err := backoff.RetryNotify(op, policy, notify)
	span.SetAttributes(attribute.Int("vigil.attempts", res.Attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "archive put exhausted")
	}
	return err
}

func (w *Writer) spill(batch model.ArchiveBatch, attempts int, cause error) error {
	entry := SpillEntry{
		Batch:     batch,
		Reason:    cause.Error(),
		Attempts:  attempts,
		SpilledAt: w.now().UTC(),
	}
	if err := w.cfg.Spill.Append(entry); err != nil {
		log.Printf("archive: CRITICAL: batch %s (%d records) could not be spilled: %v", batch.ID, len(batch.Records), err)
		return fmt.Errorf("archive: spill batch %s: %w", batch.ID, err)
	}
	log.Printf("archive: batch %s (%d records) spilled to %s: %v", batch.ID, len(batch.Records), w.cfg.Spill.Path(), cause)
	return nil
}

func (w *Writer) commit(entries []ingest.Entry) {
	if w.cfg.Journal == nil {
		return
	}
	var maxSeq uint64
	for _, e := range entries {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	if maxSeq == 0 {
		return
	}
	if err := w.cfg.Journal.Commit(maxSeq); err != nil {
		log.Printf("archive: journal commit %d failed: %v", maxSeq, err)
	}
}

func (w *Writer) report(res Result) {
	if w.cfg.OnResult != nil {
		w.cfg.OnResult(res)
	}
}

func (w *Writer) newBatch(entries []ingest.Entry) model.ArchiveBatch {
	records := make([]model.LogRecord, len(entries))
	for i := range entries {
		records[i] = entries[i].Record
	}
	return model.ArchiveBatch{
		ID:        NewBatchID(),
		Records:   records,
		CreatedAt: w.now().UTC(),
	}
}
