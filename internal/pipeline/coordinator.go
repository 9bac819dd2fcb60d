// Package pipeline wires ingestion, archival, classification, deduplication
// and dispatch into one staged pipeline and owns its lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tinytelemetry/vigil/internal/archive"
	"github.com/tinytelemetry/vigil/internal/dedup"
	"github.com/tinytelemetry/vigil/internal/dispatch"
	"github.com/tinytelemetry/vigil/internal/ingest"
	"github.com/tinytelemetry/vigil/internal/metrics"
	"github.com/tinytelemetry/vigil/internal/model"
	"github.com/tinytelemetry/vigil/internal/rules"
)

var (
	// ErrDrainTimedOut is returned by Drain when the deadline passed before
	// every stage emptied its backlog. In-flight work was abandoned.
	ErrDrainTimedOut = errors.New("pipeline: drain timed out")

	ErrAlreadyStarted = errors.New("pipeline: already started")
)

const (
	DefaultClassifierPartitions = 4
	defaultPartitionQueue       = 1024
	defaultAlertQueue           = 1024
	defaultEventBuffer          = 256
)

// Config holds tunable parameters. Zero values use package defaults.
type Config struct {
	BufferCapacity int
	// SubmitWait is the bounded wait for buffer space; negative rejects immediately.
	SubmitWait time.Duration

	BatchSize             int
	BatchTimeout          time.Duration
	ArchiveRetryLimit     int
	ArchiveInitialBackoff time.Duration
	ArchiveMaxBackoff     time.Duration

	ClassifierPartitions int
	PartitionQueue       int

	DedupShards   int
	SweepInterval time.Duration

	AlertQueue             int
	Topic                  string
	DispatchWorkers        int
	DispatchRetryLimit     int
	DispatchInitialBackoff time.Duration
	DispatchMaxBackoff     time.Duration

	EventBuffer int
}

// Journal is the write-ahead log behind the ingest buffer.
type Journal interface {
	ingest.WriteAheadLog
	archive.Committer
	Replay(fn func(seq uint64, record model.LogRecord) error) error
}

// Deps are the collaborators the pipeline drives. Archive, Spill, Publisher
// and Alerts are required.
type Deps struct {
	Archive     model.ArchiveStore
	Spill       *archive.SpillLog
	Journal     Journal
	Rules       []rules.Rule
	Publisher   model.AlertPublisher
	Alerts      model.AlertStore
	Ledger      dispatch.Ledger
	DeadLetters dispatch.DeadLetterSink
	Metrics     *metrics.Metrics

	// Now drives the dedup sweep; time.Now when nil.
	Now func() time.Time
}

type state int32

const (
	stateCreated state = iota
	stateRunning
	stateDraining
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateRunning:
		return "running"
	case stateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// Coordinator owns the pipeline stages:
//
//	buffer -> archival writer
//	       -> classifier router -> partitions -> dedup shards -> dispatcher pool
//
// The archival writer and the classifier router read the buffer through
// independent cursors, so detection can fail without touching durability.
type Coordinator struct {
	cfg  Config
	deps Deps

	buffer      *ingest.Buffer
	codec       *archive.Codec
	writer      *archive.Writer
	aggregator  *dedup.Aggregator
	dispatcher  *dispatch.Dispatcher
	archCursor  *ingest.Cursor
	classCursor *ingest.Cursor
	alerts      chan model.Alert

	state   atomic.Int32
	cancel  context.CancelFunc
	stages  sync.WaitGroup
	stopped chan struct{}

	events        chan Event
	eventsOnce    sync.Once
	droppedEvents atomic.Int64

	mu       sync.Mutex
	failed   map[string]error
	degraded bool
	spilled  int64
}

// New builds the pipeline. Cursors are attached here, so records submitted
// before Start are retained for both consumers.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Publisher == nil || deps.Alerts == nil {
		return nil, errors.New("pipeline: publisher and alert store are required")
	}
	if cfg.ClassifierPartitions <= 0 {
		cfg.ClassifierPartitions = DefaultClassifierPartitions
	}
	if cfg.PartitionQueue <= 0 {
		cfg.PartitionQueue = defaultPartitionQueue
	}
	if cfg.AlertQueue <= 0 {
		cfg.AlertQueue = defaultAlertQueue
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	for _, r := range deps.Rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
	}

	codec, err := archive.NewCodec()
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	c := &Coordinator{
		cfg:     cfg,
		deps:    deps,
		codec:   codec,
		alerts:  make(chan model.Alert, cfg.AlertQueue),
		stopped: make(chan struct{}),
		events:  make(chan Event, cfg.EventBuffer),
		failed:  make(map[string]error),
	}

	bufConf := ingest.BufferConfig{
		Capacity:   cfg.BufferCapacity,
		SubmitWait: cfg.SubmitWait,
	}
	if deps.Journal != nil {
		bufConf.Journal = deps.Journal
	}
	c.buffer = ingest.NewBuffer(bufConf)

	wconf := archive.WriterConfig{
		BatchSize:      cfg.BatchSize,
		BatchTimeout:   cfg.BatchTimeout,
		RetryLimit:     cfg.ArchiveRetryLimit,
		InitialBackoff: cfg.ArchiveInitialBackoff,
		MaxBackoff:     cfg.ArchiveMaxBackoff,
		Store:          deps.Archive,
		Spill:          deps.Spill,
		Codec:          codec,
		Metrics:        deps.Metrics,
		OnResult:       c.onArchiveResult,
	}
	if deps.Journal != nil {
		wconf.Journal = deps.Journal
	}
	c.writer, err = archive.NewWriter(wconf)
	if err != nil {
		codec.Close()
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	c.aggregator = dedup.New(dedup.Config{
		Shards:        cfg.DedupShards,
		SweepInterval: cfg.SweepInterval,
		Metrics:       deps.Metrics,
		Now:           deps.Now,
	}, c.alerts)

	c.dispatcher = dispatch.New(dispatch.Config{
		Topic:          cfg.Topic,
		Publisher:      deps.Publisher,
		Store:          deps.Alerts,
		Ledger:         deps.Ledger,
		DeadLetters:    deps.DeadLetters,
		Workers:        cfg.DispatchWorkers,
		RetryLimit:     cfg.DispatchRetryLimit,
		InitialBackoff: cfg.DispatchInitialBackoff,
		MaxBackoff:     cfg.DispatchMaxBackoff,
		Metrics:        deps.Metrics,
		OnFailure:      c.onDispatchFailure,
	})

	c.archCursor = c.buffer.Subscribe("archive")
	c.classCursor = c.buffer.Subscribe("classifier")
	return c, nil
}

// Start replays uncommitted journal records into the archive and launches
// every stage. Cancelling ctx abandons in-flight work like a drain timeout.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(stateCreated), int32(stateRunning)) {
		return ErrAlreadyStarted
	}
	if err := c.replayJournal(ctx); err != nil {
		c.state.Store(int32(stateStopped))
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.stages.Add(4)
	go c.runArchival(runCtx)
	go c.runClassification(runCtx)
	go c.runDedup(runCtx)
	go c.runDispatch(runCtx)

	go func() {
		c.stages.Wait()
		c.codec.Close()
		c.state.Store(int32(stateStopped))
		close(c.stopped)
		c.closeEvents()
	}()

	log.Printf("pipeline: started (%d rules, %d classifier partitions, %d dedup shards)",
		len(c.deps.Rules), c.cfg.ClassifierPartitions, c.aggregator.Shards())
	return nil
}

// Submit admits one record. See ingest.Buffer.Submit.
func (c *Coordinator) Submit(ctx context.Context, record model.LogRecord) error {
	_, err := c.SubmitBatch(ctx, []model.LogRecord{record})
	return err
}

// SubmitBatch admits records in order, returning how many were accepted.
func (c *Coordinator) SubmitBatch(ctx context.Context, records []model.LogRecord) (int, error) {
	n, err := c.buffer.SubmitBatch(ctx, records)
	c.deps.Metrics.RecordsAccepted(n)
	if err != nil {
		rejected := len(records) - n
		switch {
		case errors.Is(err, ingest.ErrBackpressure):
			c.deps.Metrics.RecordsRejected("backpressure", rejected)
		case errors.Is(err, ingest.ErrClosed):
			c.deps.Metrics.RecordsRejected("closed", rejected)
		default:
			c.deps.Metrics.RecordsRejected("error", rejected)
		}
	}
	return n, err
}

// Drain stops admission and waits until archival has flushed, classifiers
// have finished their cursors, dedup has closed every window and the
// dispatcher has emptied its queue. When ctx ends first the remaining work is
// abandoned and ErrDrainTimedOut is returned.
func (c *Coordinator) Drain(ctx context.Context) error {
	switch state(c.state.Load()) {
	case stateCreated:
		c.state.Store(int32(stateStopped))
		c.buffer.Close()
		c.codec.Close()
		c.closeEvents()
		return nil
	case stateStopped:
		return nil
	}
	c.state.CompareAndSwap(int32(stateRunning), int32(stateDraining))
	log.Printf("pipeline: draining (%d records buffered)", c.buffer.Len())
	c.buffer.Close()

	select {
	case <-c.stopped:
		log.Printf("pipeline: drained")
		return nil
	case <-ctx.Done():
	}

	log.Printf("pipeline: drain deadline reached, abandoning in-flight work")
	c.cancel()
	<-c.stopped
	return fmt.Errorf("%w: %v", ErrDrainTimedOut, ctx.Err())
}

// Shutdown abandons in-flight work immediately. The archival writer still
// spills its open batch. Safe to call after Drain.
func (c *Coordinator) Shutdown() {
	switch state(c.state.Load()) {
	case stateCreated:
		_ = c.Drain(context.Background())
		return
	case stateStopped:
		return
	}
	c.state.CompareAndSwap(int32(stateRunning), int32(stateDraining))
	c.buffer.Close()
	c.cancel()
	<-c.stopped
}

// Events is the operator channel. It is closed once every stage has exited.
// Events are dropped, and counted in Health, when nobody reads.
func (c *Coordinator) Events() <-chan Event { return c.events }

// Done is closed once every stage has exited.
func (c *Coordinator) Done() <-chan struct{} { return c.stopped }

// Rules returns the loaded rule set.
func (c *Coordinator) Rules() []rules.Rule { return append([]rules.Rule(nil), c.deps.Rules...) }

// Health is a point-in-time view of the pipeline.
type Health struct {
	State            string            `json:"state"`
	Buffered         int               `json:"buffered"`
	Capacity         int               `json:"capacity"`
	ArchivalDegraded bool              `json:"archival_degraded"`
	SpilledBatches   int64             `json:"spilled_batches"`
	FailedComponents map[string]string `json:"failed_components,omitempty"`
	DroppedEvents    int64             `json:"dropped_events"`
}

// OK reports whether the pipeline is accepting records with every stage alive.
func (h Health) OK() bool {
	return h.State == stateRunning.String() && len(h.FailedComponents) == 0
}

// Health reports the current state. ArchivalDegraded stays set until a later
// batch is archived without spilling.
func (c *Coordinator) Health() Health {
	h := Health{
		State:         state(c.state.Load()).String(),
		Buffered:      c.buffer.Len(),
		Capacity:      c.buffer.Capacity(),
		DroppedEvents: c.droppedEvents.Load(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	h.ArchivalDegraded = c.degraded
	h.SpilledBatches = c.spilled
	if len(c.failed) > 0 {
		h.FailedComponents = make(map[string]string, len(c.failed))
		for name, err := range c.failed {
			h.FailedComponents[name] = err.Error()
		}
	}
	return h
}

func (c *Coordinator) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case c.events <- ev:
	default:
		if n := c.droppedEvents.Add(1); n == 1 || n%1000 == 0 {
			log.Printf("pipeline: operator channel full, %d events dropped", n)
		}
	}
}

func (c *Coordinator) closeEvents() {
	c.eventsOnce.Do(func() { close(c.events) })
}

func (c *Coordinator) fail(component string, err error) {
	c.mu.Lock()
	c.failed[component] = err
	c.mu.Unlock()
	log.Printf("pipeline: component %s failed: %v", component, err)
	c.emit(Event{Kind: ComponentFailed, Component: component, Err: err})
}

func (c *Coordinator) onArchiveResult(res archive.Result) {
	c.mu.Lock()
	if res.Spilled {
		c.degraded = true
		c.spilled++
	} else {
		c.degraded = false
	}
	c.mu.Unlock()
	if res.Spilled {
		c.emit(Event{Kind: ArchivalDegraded, Component: "archive", BatchID: res.BatchID, Err: res.Err})
	}
}

func (c *Coordinator) onDispatchFailure(out dispatch.Outcome) {
	for _, leg := range []dispatch.LegResult{out.Bus, out.Store} {
		if leg.Err == nil {
			continue
		}
		c.emit(Event{
			Kind:      DispatchFailed,
			Component: "dispatch",
			AlertID:   out.AlertID,
			Leg:       string(leg.Leg),
			Err:       &dispatch.LegError{AlertID: out.AlertID, Leg: leg.Leg, Err: leg.Err},
		})
	}
}

func (c *Coordinator) onPredicateError(err *rules.PredicateError) {
	c.emit(Event{Kind: RulePredicateError, Component: "classifier", RuleID: err.RuleID, Err: err})
}

// guard runs fn and converts a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (c *Coordinator) runArchival(ctx context.Context) {
	defer c.stages.Done()
	err := guard(func() error { return c.writer.Run(ctx, c.archCursor) })
	if err != nil && ctx.Err() == nil {
		// The cursor stays attached: records that can no longer be archived
		// must hold back admission instead of being accepted.
		c.fail("archive", err)
		return
	}
	c.archCursor.Close()
}

// runClassification reads the classifier cursor and routes each record to a
// partition by hash of its service. Partitions share one set of rate
// counters, so a rate group is counted in full whichever partition sees its
// records. Partitions offer candidates to the aggregator; once they are all
// finished the aggregator is closed.
func (c *Coordinator) runClassification(ctx context.Context) {
	defer c.stages.Done()
	defer c.aggregator.Close()

	counters := rules.NewRateCounters()
	parts := make([]chan model.LogRecord, c.cfg.ClassifierPartitions)
	var wg sync.WaitGroup
	for i := range parts {
		parts[i] = make(chan model.LogRecord, c.cfg.PartitionQueue)
		wg.Add(1)
		go func(id int, in <-chan model.LogRecord) {
			defer wg.Done()
			c.runPartition(ctx, id, in, counters)
		}(i, parts[i])
	}

	err := guard(func() error {
		for {
			e, err := c.classCursor.Next(ctx)
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, ingest.ErrCursorClosed) {
					return nil
				}
				return err
			}
			rec := e.Record.Clone()
			p := parts[xxhash.Sum64String(rec.Service)%uint64(len(parts))]
			select {
			case p <- rec:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	if err != nil && ctx.Err() == nil {
		c.fail("classifier", err)
	}
	c.classCursor.Close()
	for _, p := range parts {
		close(p)
	}
	wg.Wait()
}

func (c *Coordinator) runPartition(ctx context.Context, id int, in <-chan model.LogRecord, counters *rules.RateCounters) {
	classifier := rules.NewClassifier(c.deps.Rules, rules.ClassifierConfig{
		Metrics:  c.deps.Metrics,
		OnError:  c.onPredicateError,
		Counters: counters,
	})
	name := fmt.Sprintf("classifier-%d", id)

	err := guard(func() error {
		for rec := range in {
			for _, cand := range classifier.Classify(rec) {
				if err := c.aggregator.Offer(ctx, cand); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		c.fail(name, err)
	}
	// A failed partition keeps consuming so the router never blocks on it.
	for range in {
	}
}

func (c *Coordinator) runDedup(ctx context.Context) {
	defer c.stages.Done()
	defer close(c.alerts)
	if err := c.aggregator.Run(ctx); err != nil && ctx.Err() == nil {
		c.fail("dedup", err)
	}
}

func (c *Coordinator) runDispatch(ctx context.Context) {
	defer c.stages.Done()
	if err := c.dispatcher.Run(ctx, c.alerts); err != nil && ctx.Err() == nil {
		c.fail("dispatch", err)
	}
	// Unblock dedup emitters after a dispatcher failure or abandonment.
	dropped := 0
	for range c.alerts {
		dropped++
	}
	if dropped > 0 {
		log.Printf("pipeline: %d alerts not dispatched", dropped)
	}
}

// replayJournal archives records that were accepted before a crash but never
// committed. They are not re-classified: their alerts may already have been
// dispatched.
func (c *Coordinator) replayJournal(ctx context.Context) error {
	if c.deps.Journal == nil {
		return nil
	}
	batchSize := c.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = model.DefaultBatchSize
	}

	var (
		batch    []ingest.Entry
		replayed int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		sort.SliceStable(batch, func(i, j int) bool { return batch[i].Seq < batch[j].Seq })
		if _, err := c.writer.Archive(ctx, batch); err != nil {
			return err
		}
		replayed += len(batch)
		batch = nil
		return nil
	}
	err := c.deps.Journal.Replay(func(seq uint64, record model.LogRecord) error {
		batch = append(batch, ingest.Entry{Record: record, Seq: seq})
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return fmt.Errorf("pipeline: replay journal: %w", err)
	}
	if replayed > 0 {
		log.Printf("pipeline: replayed %d uncommitted journal records into the archive", replayed)
	}
	return nil
}
