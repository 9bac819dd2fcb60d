package dedup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/vigil/internal/metrics"
	"github.com/tinytelemetry/vigil/internal/model"
)

const (
	DefaultShards        = 4
	DefaultSweepInterval = time.Second
	defaultQueueSize     = 256
)

// ErrStopped is returned by Offer and Flush once the aggregator has exited.
var ErrStopped = errors.New("dedup: aggregator stopped")

// Config configures an Aggregator. Zero values use the defaults.
type Config struct {
	Shards        int
	SweepInterval time.Duration
	QueueSize     int
	Metrics       *metrics.Metrics

	// Now is the arrival clock. A window is swept once it has been open for
	// its length by this clock; membership uses candidate timestamps.
	Now func() time.Time
	// NewID returns alert ids; UUIDv7 by default.
	NewID func() string
}

// Aggregator collapses candidates that share a dedup key into one Alert per
// fixed window. Keys are partitioned across shards by xxhash; each shard owns
// its windows in a single goroutine, so no window state is shared.
type Aggregator struct {
	cfg    Config
	out    chan<- model.Alert
	shards []*shard

	closeOnce sync.Once
	done      chan struct{}
}

// New returns an Aggregator emitting to out. Call Run to start the shards.
func New(cfg Config, out chan<- model.Alert) *Aggregator {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = newAlertID
	}

	a := &Aggregator{
		cfg:  cfg,
		out:  out,
		done: make(chan struct{}),
	}
	a.shards = make([]*shard, cfg.Shards)
	for i := range a.shards {
		a.shards[i] = &shard{
			id:      i,
			agg:     a,
			in:      make(chan model.AlertCandidate, cfg.QueueSize),
			flushes: make(chan chan struct{}),
			windows: make(map[string]*window),
		}
	}
	return a
}

func newAlertID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Shards returns the shard count.
func (a *Aggregator) Shards() int { return len(a.shards) }

// ShardFor returns the shard index owning key.
func (a *Aggregator) ShardFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(a.shards)))
}

// Run drives every shard until ctx is cancelled or Close is called. After
// Close each shard emits its open windows before Run returns. A panicking
// shard is reported as an error.
func (a *Aggregator) Run(ctx context.Context) error {
	defer close(a.done)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range a.shards {
		s := s
		g.Go(func() error { return s.run(gctx) })
	}
	return g.Wait()
}

// Offer routes a candidate to its shard, blocking while the shard queue is full.
func (a *Aggregator) Offer(ctx context.Context, cand model.AlertCandidate) error {
	select {
	case <-a.done:
		return ErrStopped
	default:
	}
	s := a.shards[a.ShardFor(cand.DedupKey)]
	select {
	case s.in <- cand:
		return nil
	case <-a.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush closes every open window and waits until the resulting alerts are
// handed to the output channel. Candidates offered before Flush are included.
func (a *Aggregator) Flush(ctx context.Context) error {
	acks := make([]chan struct{}, 0, len(a.shards))
	for _, s := range a.shards {
		ack := make(chan struct{})
		select {
		case s.flushes <- ack:
			acks = append(acks, ack)
		case <-a.done:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, ack := range acks {
		select {
		case <-ack:
		case <-a.done:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting candidates. Shards drain their queues, emit every
// open window and exit. Offer must not be called after Close.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		for _, s := range a.shards {
			close(s.in)
		}
	})
}

// Done is closed once Run has returned.
func (a *Aggregator) Done() <-chan struct{} { return a.done }

type window struct {
	ruleID   string
	key      string
	start    time.Time // event time of the first candidate
	openedAt time.Time // arrival time of the first candidate
	length   time.Duration
	lastSeen time.Time
	count    int
	sample   model.LogRecord
}

// expired reports whether the event time t lies past the inclusive window end.
func (w *window) expired(t time.Time) bool {
	return t.After(w.start.Add(w.length))
}

// due reports whether the window has been open longer than its length. Event
// timestamps may lag or lead the local clock, so the sweep measures arrival.
func (w *window) due(now time.Time) bool {
	return now.After(w.openedAt.Add(w.length))
}

func (w *window) alert(id string) model.Alert {
	return model.Alert{
		ID:              id,
		RuleID:          w.ruleID,
		DedupKey:        w.key,
		OccurrenceCount: w.count,
		FirstSeen:       w.start,
		LastSeen:        w.lastSeen,
		SampleRecord:    w.sample,
	}
}

type shard struct {
	id      int
	agg     *Aggregator
	in      chan model.AlertCandidate
	flushes chan chan struct{}
	windows map[string]*window
}

func (s *shard) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dedup: shard %d panicked: %v", s.id, r)
		}
	}()

	ticker := time.NewTicker(s.agg.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if n := len(s.windows); n > 0 {
				log.Printf("dedup: shard %d abandoned %d open windows", s.id, n)
			}
			return ctx.Err()
		case cand, ok := <-s.in:
			if !ok {
				return s.flushAll(ctx)
			}
			if err := s.add(ctx, cand); err != nil {
				return err
			}
		case ack := <-s.flushes:
			// Queue first so Flush covers everything offered before it.
			if err := s.drainQueue(ctx); err != nil {
				return err
			}
			if err := s.flushAll(ctx); err != nil {
				return err
			}
			close(ack)
		case <-ticker.C:
			if err := s.sweep(ctx, s.agg.cfg.Now()); err != nil {
				return err
			}
		}
	}
}

func (s *shard) drainQueue(ctx context.Context) error {
	for {
		select {
		case cand, ok := <-s.in:
			if !ok {
				return nil
			}
			if err := s.add(ctx, cand); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *shard) add(ctx context.Context, cand model.AlertCandidate) error {
	ts := cand.FirstSeen
	if ts.IsZero() {
		ts = cand.Record.Timestamp
	}

	w := s.windows[cand.DedupKey]
	if w != nil && w.expired(ts) {
		delete(s.windows, cand.DedupKey)
		if err := s.emit(ctx, w); err != nil {
			return err
		}
		w = nil
	}
	if w == nil {
		s.windows[cand.DedupKey] = &window{
			ruleID:   cand.RuleID,
			key:      cand.DedupKey,
			start:    ts,
			openedAt: s.agg.cfg.Now(),
			length:   cand.Window,
			lastSeen: ts,
			count:    1,
			sample:   cand.Record,
		}
		return nil
	}

	w.count++
	if ts.After(w.lastSeen) {
		w.lastSeen = ts
	}
	return nil
}

// sweep closes windows that have been open for their full length.
func (s *shard) sweep(ctx context.Context, now time.Time) error {
	var due []*window
	for key, w := range s.windows {
		if w.due(now) {
			due = append(due, w)
			delete(s.windows, key)
		}
	}
	return s.emitAll(ctx, due)
}

func (s *shard) flushAll(ctx context.Context) error {
	due := make([]*window, 0, len(s.windows))
	for key, w := range s.windows {
		due = append(due, w)
		delete(s.windows, key)
	}
	return s.emitAll(ctx, due)
}

func (s *shard) emitAll(ctx context.Context, due []*window) error {
	sort.Slice(due, func(i, j int) bool {
		if !due[i].start.Equal(due[j].start) {
			return due[i].start.Before(due[j].start)
		}
		return due[i].key < due[j].key
	})
	for _, w := range due {
		if err := s.emit(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

func (s *shard) emit(ctx context.Context, w *window) error {
	alert := w.alert(s.agg.cfg.NewID())
	select {
	case s.agg.out <- alert:
		s.agg.cfg.Metrics.AlertEmitted()
		return nil
	case <-ctx.Done():
		log.Printf("dedup: shard %d dropped alert for %s: %v", s.id, w.key, ctx.Err())
		return ctx.Err()
	}
}
