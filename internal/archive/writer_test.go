package archive

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/vigil/internal/ingest"
	"github.com/tinytelemetry/vigil/internal/journal"
	"github.com/tinytelemetry/vigil/internal/model"
)

// flakyStore fails the first `failures` puts, then stores objects in memory.
type flakyStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	objects  map[string][]byte
}

func newFlakyStore(failures int) *flakyStore {
	return &flakyStore{failures: failures, objects: map[string][]byte{}}
}

func (s *flakyStore) Put(_ context.Context, batchID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return fmt.Errorf("store unavailable (call %d)", s.calls)
	}
	s.objects[batchID] = append([]byte(nil), data...)
	return nil
}

func (s *flakyStore) Get(_ context.Context, batchID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

type results struct {
	mu  sync.Mutex
	all []Result
}

func (r *results) add(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, res)
}

func (r *results) snapshot() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.all...)
}

type harness struct {
	writer  *Writer
	codec   *Codec
	spill   *SpillLog
	results *results
}

func newHarness(t *testing.T, store model.ArchiveStore, mutate func(*WriterConfig)) *harness {
	t.Helper()
	codec, err := NewCodec()
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	t.Cleanup(codec.Close)
	spill, err := OpenSpillLog(filepath.Join(t.TempDir(), "spill.jsonl"))
	if err != nil {
		t.Fatalf("OpenSpillLog: %v", err)
	}
	t.Cleanup(func() { _ = spill.Close() })

	res := &results{}
	cfg := WriterConfig{
		BatchSize:      100,
		BatchTimeout:   time.Hour,
		RetryLimit:     5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Store:          store,
		Spill:          spill,
		Codec:          codec,
		OnResult:       res.add,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	return &harness{writer: w, codec: codec, spill: spill, results: res}
}

func submitN(t *testing.T, buf *ingest.Buffer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		r := model.LogRecord{
			Service:   "payments",
			Timestamp: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Millisecond),
			Severity:  model.SeverityInfo,
			Message:   fmt.Sprintf("m%03d", i),
		}
		if err := buf.Submit(context.Background(), r); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
}

func runToEOF(t *testing.T, h *harness, buf *ingest.Buffer) {
	t.Helper()
	cur := buf.Subscribe("archive")
	buf.Close()
	if err := h.writer.Run(context.Background(), cur); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestWriter_RetriesThenSucceeds(t *testing.T) {
	store := newFlakyStore(3)
	h := newHarness(t, store, nil)
	buf := ingest.NewBuffer(ingest.BufferConfig{Capacity: 16})
	submitN(t, buf, 5)
	runToEOF(t, h, buf)

	got := h.results.snapshot()
	if len(got) != 1 {
		t.Fatalf("results = %d, want 1", len(got))
	}
	res := got[0]
	if res.Retries != 3 || res.Attempts != 4 {
		t.Errorf("retries/attempts = %d/%d, want 3/4", res.Retries, res.Attempts)
	}
	if res.Spilled || res.Err != nil {
		t.Errorf("batch unexpectedly degraded: %+v", res)
	}
	if entries, _ := h.spill.Entries(); len(entries) != 0 {
		t.Errorf("spill log has %d entries, want 0", len(entries))
	}

	data, err := store.Get(context.Background(), res.BatchID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	batch, err := h.codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(batch.Records) != 5 {
		t.Fatalf("archived %d records, want 5", len(batch.Records))
	}
}

func TestWriter_ExhaustionSpillsAndReplays(t *testing.T) {
	store := newFlakyStore(1 << 30)
	h := newHarness(t, store, func(c *WriterConfig) { c.RetryLimit = 2 })
	buf := ingest.NewBuffer(ingest.BufferConfig{Capacity: 16})
	submitN(t, buf, 7)
	runToEOF(t, h, buf)

	got := h.results.snapshot()
	if len(got) != 1 {
		t.Fatalf("results = %d, want 1", len(got))
	}
	res := got[0]
	if !res.Spilled || !errors.Is(res.Err, ErrArchivalDegraded) {
		t.Fatalf("result = %+v, want spilled with ErrArchivalDegraded", res)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 + retry limit 2)", res.Attempts)
	}

	entries, err := h.spill.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || len(entries[0].Batch.Records) != 7 {
		t.Fatalf("spill entries = %+v, want one batch of 7", entries)
	}
	if entries[0].Batch.ID != res.BatchID || entries[0].Reason == "" {
		t.Errorf("spill entry = %+v", entries[0])
	}

	healthy := newFlakyStore(0)
	n, err := h.spill.Replay(context.Background(), healthy, h.codec)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 1 {
		t.Fatalf("replayed = %d, want 1", n)
	}
	if _, err := healthy.Get(context.Background(), res.BatchID); err != nil {
		t.Fatalf("replayed batch missing: %v", err)
	}
	if entries, _ := h.spill.Entries(); len(entries) != 0 {
		t.Fatalf("spill log not truncated after replay: %d entries", len(entries))
	}
}

func TestSpillReplayKeepsLogOnFailure(t *testing.T) {
	store := newFlakyStore(1 << 30)
	h := newHarness(t, store, func(c *WriterConfig) { c.RetryLimit = 0 })
	buf := ingest.NewBuffer(ingest.BufferConfig{Capacity: 16})
	submitN(t, buf, 2)
	runToEOF(t, h, buf)

	n, err := h.spill.Replay(context.Background(), store, h.codec)
	if err == nil || n != 0 {
		t.Fatalf("Replay = (%d, %v), want failure", n, err)
	}
	if entries, _ := h.spill.Entries(); len(entries) != 1 {
		t.Fatalf("spill entries = %d, want 1 kept", len(entries))
	}
}

func TestWriter_BatchSizeSplitsInOrder(t *testing.T) {
	store := newFlakyStore(0)
	h := newHarness(t, store, func(c *WriterConfig) { c.BatchSize = 4 })
	buf := ingest.NewBuffer(ingest.BufferConfig{Capacity: 32})
	cur := buf.Subscribe("archive")
	submitN(t, buf, 10)
	buf.Close()
	if err := h.writer.Run(context.Background(), cur); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := h.results.snapshot()
	if len(got) != 3 {
		t.Fatalf("batches = %d, want 3", len(got))
	}
	var messages []string
	for i, want := range []int{4, 4, 2} {
		if got[i].Records != want {
			t.Errorf("batch %d records = %d, want %d", i, got[i].Records, want)
		}
		data, err := store.Get(context.Background(), got[i].BatchID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		batch, err := h.codec.Decode(data)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		for _, r := range batch.Records {
			messages = append(messages, r.Message)
		}
	}
	for i, msg := range messages {
		if want := fmt.Sprintf("m%03d", i); msg != want {
			t.Fatalf("archived[%d] = %s, want %s", i, msg, want)
		}
	}
}

func TestWriter_BatchTimeoutFlushes(t *testing.T) {
	store := newFlakyStore(0)
	flushed := make(chan Result, 1)
	h := newHarness(t, store, func(c *WriterConfig) {
		c.BatchTimeout = 20 * time.Millisecond
		c.OnResult = func(r Result) { flushed <- r }
	})
	buf := ingest.NewBuffer(ingest.BufferConfig{Capacity: 8})
	cur := buf.Subscribe("archive")

	done := make(chan error, 1)
	go func() { done <- h.writer.Run(context.Background(), cur) }()
	submitN(t, buf, 1)

	select {
	case res := <-flushed:
		if res.Records != 1 {
			t.Fatalf("records = %d, want 1", res.Records)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("batch timeout did not flush")
	}

	buf.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestWriter_CommitsJournal(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "ingest.journal"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer j.Close()

	store := newFlakyStore(0)
	h := newHarness(t, store, func(c *WriterConfig) {
		c.BatchSize = 3
		c.Journal = j
	})
	buf := ingest.NewBuffer(ingest.BufferConfig{Capacity: 16, Journal: j})
	cur := buf.Subscribe("archive")
	submitN(t, buf, 7)
	buf.Close()
	if err := h.writer.Run(context.Background(), cur); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := j.Committed(); got != 7 {
		t.Fatalf("committed = %d, want 7", got)
	}
	pending := 0
	if err := j.Replay(func(uint64, model.LogRecord) error { pending++; return nil }); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if pending != 0 {
		t.Fatalf("uncommitted records = %d, want 0", pending)
	}
}

func TestWriter_CancelSpillsOpenBatch(t *testing.T) {
	store := newFlakyStore(0)
	h := newHarness(t, store, nil)
	buf := ingest.NewBuffer(ingest.BufferConfig{Capacity: 8})
	cur := buf.Subscribe("archive")
	submitN(t, buf, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.writer.Run(ctx, cur) }()

	deadline := time.Now().Add(2 * time.Second)
	for cur.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
	entries, err := h.spill.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || len(entries[0].Batch.Records) != 3 {
		t.Fatalf("spill = %+v, want open batch of 3 preserved", entries)
	}
}

// lateSource hands out its record only once ctx has ended, the way a cursor
// can return an entry just as shutdown begins.
type lateSource struct {
	mu    sync.Mutex
	given bool
	rec   model.LogRecord
}

func (s *lateSource) Next(ctx context.Context) (ingest.Entry, error) {
	<-ctx.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.given {
		return ingest.Entry{}, ctx.Err()
	}
	s.given = true
	return ingest.Entry{Record: s.rec}, nil
}

func TestWriter_CancelSpillsEntryInFlight(t *testing.T) {
	h := newHarness(t, newFlakyStore(0), nil)
	src := &lateSource{rec: model.LogRecord{Service: "payments", Severity: model.SeverityError, Message: "in flight"}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.writer.Run(ctx, src) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	entries, err := h.spill.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || len(entries[0].Batch.Records) != 1 || entries[0].Batch.Records[0].Message != "in flight" {
		t.Fatalf("spill = %+v, want the in-flight record preserved", entries)
	}
}
