package dedup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinytelemetry/vigil/internal/model"
)

var t0 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func candidate(key string, at time.Duration, window time.Duration) model.AlertCandidate {
	ts := t0.Add(at)
	return model.AlertCandidate{
		RuleID:    "rule",
		DedupKey:  key,
		Record:    model.LogRecord{Service: "payments", Timestamp: ts, Severity: model.SeverityError, Message: "boom"},
		FirstSeen: ts,
		Window:    window,
	}
}

type harness struct {
	agg    *Aggregator
	out    chan model.Alert
	cancel context.CancelFunc
	errc   chan error
}

func start(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
	var seq atomic.Int64
	if cfg.NewID == nil {
		cfg.NewID = func() string { return fmt.Sprintf("alert-%d", seq.Add(1)) }
	}
	out := make(chan model.Alert, 1024)
	agg := New(cfg, out)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- agg.Run(ctx) }()
	t.Cleanup(cancel)
	return &harness{agg: agg, out: out, cancel: cancel, errc: errc}
}

func (h *harness) offer(t *testing.T, cands ...model.AlertCandidate) {
	t.Helper()
	for _, c := range cands {
		if err := h.agg.Offer(context.Background(), c); err != nil {
			t.Fatalf("Offer: %v", err)
		}
	}
}

// stop closes the aggregator and returns every alert it emitted.
func (h *harness) stop(t *testing.T) []model.Alert {
	t.Helper()
	h.agg.Close()
	select {
	case err := <-h.errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("aggregator did not stop")
	}
	close(h.out)
	var alerts []model.Alert
	for a := range h.out {
		alerts = append(alerts, a)
	}
	return alerts
}

func TestAggregator_CollapsesBurstIntoOneAlert(t *testing.T) {
	h := start(t, Config{Shards: 4})
	for i := 0; i < 96; i++ {
		h.offer(t, candidate("payments-errors|payments", time.Duration(i)*100*time.Millisecond, time.Minute))
	}
	alerts := h.stop(t)

	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.OccurrenceCount != 96 {
		t.Errorf("OccurrenceCount = %d, want 96", a.OccurrenceCount)
	}
	if !a.FirstSeen.Equal(t0) || !a.LastSeen.Equal(t0.Add(9500*time.Millisecond)) {
		t.Errorf("FirstSeen/LastSeen = %v/%v", a.FirstSeen, a.LastSeen)
	}
	if a.RuleID != "rule" || a.DedupKey != "payments-errors|payments" || a.ID == "" {
		t.Errorf("alert = %+v", a)
	}
	if a.SampleRecord.Message != "boom" {
		t.Errorf("sample = %+v", a.SampleRecord)
	}
}

func TestAggregator_WindowBoundaryIsInclusive(t *testing.T) {
	h := start(t, Config{Shards: 1})
	h.offer(t,
		candidate("k", 0, time.Minute),
		// Exactly at the end belongs to the same window.
		candidate("k", time.Minute, time.Minute),
		candidate("k", time.Minute+time.Nanosecond, time.Minute),
	)
	alerts := h.stop(t)

	if len(alerts) != 2 {
		t.Fatalf("alerts = %d, want 2", len(alerts))
	}
	if alerts[0].OccurrenceCount != 2 || !alerts[0].FirstSeen.Equal(t0) {
		t.Errorf("first window = %+v", alerts[0])
	}
	if alerts[1].OccurrenceCount != 1 || !alerts[1].FirstSeen.Equal(t0.Add(time.Minute+time.Nanosecond)) {
		t.Errorf("second window = %+v", alerts[1])
	}
}

func TestAggregator_WindowIsNotReAnchored(t *testing.T) {
	h := start(t, Config{Shards: 1})
	// Steady stream every 20s: windows close at 60s regardless of activity.
	for i := 0; i <= 6; i++ {
		h.offer(t, candidate("k", time.Duration(i)*20*time.Second, time.Minute))
	}
	alerts := h.stop(t)

	// [0,60] holds 0,20,40,60; [80,140] holds 80,100,120.
	if len(alerts) != 2 {
		t.Fatalf("alerts = %d, want 2", len(alerts))
	}
	if alerts[0].OccurrenceCount != 4 || alerts[1].OccurrenceCount != 3 {
		t.Fatalf("counts = %d,%d want 4,3", alerts[0].OccurrenceCount, alerts[1].OccurrenceCount)
	}
}

func TestAggregator_OutOfOrderCandidateStaysInWindow(t *testing.T) {
	h := start(t, Config{Shards: 1})
	h.offer(t,
		candidate("k", 10*time.Second, time.Minute),
		candidate("k", 5*time.Second, time.Minute),
		candidate("k", 30*time.Second, time.Minute),
	)
	alerts := h.stop(t)
	if len(alerts) != 1 || alerts[0].OccurrenceCount != 3 {
		t.Fatalf("alerts = %+v", alerts)
	}
	if !alerts[0].FirstSeen.Equal(t0.Add(10*time.Second)) || !alerts[0].LastSeen.Equal(t0.Add(30*time.Second)) {
		t.Fatalf("window = %v..%v", alerts[0].FirstSeen, alerts[0].LastSeen)
	}
}

func TestAggregator_KeysAreIndependentAcrossShards(t *testing.T) {
	h := start(t, Config{Shards: 8})
	const keys = 50
	var wg sync.WaitGroup
	for k := 0; k < keys; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				c := candidate(fmt.Sprintf("key-%d", k), time.Duration(i)*time.Second, time.Minute)
				if err := h.agg.Offer(context.Background(), c); err != nil {
					t.Errorf("Offer: %v", err)
					return
				}
			}
		}(k)
	}
	wg.Wait()
	alerts := h.stop(t)

	if len(alerts) != keys {
		t.Fatalf("alerts = %d, want %d", len(alerts), keys)
	}
	seen := map[string]int{}
	ids := map[string]bool{}
	for _, a := range alerts {
		seen[a.DedupKey] += a.OccurrenceCount
		if ids[a.ID] {
			t.Fatalf("duplicate alert id %s", a.ID)
		}
		ids[a.ID] = true
	}
	for k := 0; k < keys; k++ {
		if got := seen[fmt.Sprintf("key-%d", k)]; got != 10 {
			t.Errorf("key-%d count = %d, want 10", k, got)
		}
	}
}

func TestAggregator_ShardForIsStable(t *testing.T) {
	a := New(Config{Shards: 16}, make(chan model.Alert))
	for _, key := range []string{"a", "rule|payments", "rule|host=db-1"} {
		first := a.ShardFor(key)
		if first < 0 || first >= 16 {
			t.Fatalf("ShardFor(%q) = %d", key, first)
		}
		for i := 0; i < 10; i++ {
			if a.ShardFor(key) != first {
				t.Fatalf("ShardFor(%q) not stable", key)
			}
		}
	}
}

func TestAggregator_SweepClosesIdleWindows(t *testing.T) {
	var now atomic.Int64
	now.Store(t0.UnixNano())
	h := start(t, Config{
		Shards:        2,
		SweepInterval: 5 * time.Millisecond,
		Now:           func() time.Time { return time.Unix(0, now.Load()).UTC() },
	})
	h.offer(t, candidate("idle", 0, time.Minute))

	select {
	case a := <-h.out:
		t.Fatalf("window closed early: %+v", a)
	case <-time.After(50 * time.Millisecond):
	}

	now.Store(t0.Add(time.Minute + time.Second).UnixNano())
	select {
	case a := <-h.out:
		if a.DedupKey != "idle" || a.OccurrenceCount != 1 {
			t.Fatalf("alert = %+v", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not close the expired window")
	}
	if rest := h.stop(t); len(rest) != 0 {
		t.Fatalf("unexpected alerts after sweep: %+v", rest)
	}
}

func TestAggregator_FlushEmitsOpenWindowsAndKeepsRunning(t *testing.T) {
	h := start(t, Config{Shards: 3})
	h.offer(t,
		candidate("a", 0, time.Hour),
		candidate("a", time.Second, time.Hour),
		candidate("b", 0, time.Hour),
	)
	if err := h.agg.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := len(h.out); got != 2 {
		t.Fatalf("alerts after flush = %d, want 2", got)
	}

	h.offer(t, candidate("a", 2*time.Second, time.Hour))
	alerts := h.stop(t)
	if len(alerts) != 3 {
		t.Fatalf("total alerts = %d, want 3", len(alerts))
	}
}

func TestAggregator_OfferAfterStop(t *testing.T) {
	h := start(t, Config{Shards: 1})
	h.cancel()
	<-h.agg.Done()
	if err := h.agg.Offer(context.Background(), candidate("k", 0, time.Minute)); err != ErrStopped {
		t.Fatalf("Offer after stop = %v, want ErrStopped", err)
	}
	if err := h.agg.Flush(context.Background()); err != ErrStopped {
		t.Fatalf("Flush after stop = %v, want ErrStopped", err)
	}
}

func TestAggregator_LateTimestampsStayInOneWindow(t *testing.T) {
	h := start(t, Config{Shards: 1, SweepInterval: 5 * time.Millisecond})

	// Shipped two minutes late, one second apart, trickling in.
	base := time.Now().Add(-2 * time.Minute)
	for i := 0; i < 10; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		h.offer(t, model.AlertCandidate{
			RuleID:    "rule",
			DedupKey:  "k",
			Record:    model.LogRecord{Service: "payments", Timestamp: ts, Severity: model.SeverityError, Message: "boom"},
			FirstSeen: ts,
			Window:    time.Minute,
		})
		time.Sleep(20 * time.Millisecond)
	}
	alerts := h.stop(t)

	if len(alerts) != 1 || alerts[0].OccurrenceCount != 10 {
		t.Fatalf("alerts = %d, want one with count 10: %+v", len(alerts), alerts)
	}
	if !alerts[0].FirstSeen.Equal(base) {
		t.Fatalf("FirstSeen = %v, want %v", alerts[0].FirstSeen, base)
	}
}

func TestAggregator_FutureTimestampIsStillSwept(t *testing.T) {
	h := start(t, Config{Shards: 1, SweepInterval: 5 * time.Millisecond})

	ts := time.Now().Add(10 * time.Minute)
	h.offer(t, model.AlertCandidate{
		RuleID:    "rule",
		DedupKey:  "skewed",
		Record:    model.LogRecord{Service: "payments", Timestamp: ts, Severity: model.SeverityError, Message: "boom"},
		FirstSeen: ts,
		Window:    50 * time.Millisecond,
	})

	select {
	case a := <-h.out:
		if a.DedupKey != "skewed" || !a.FirstSeen.Equal(ts) {
			t.Fatalf("alert = %+v", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("window with a clock-skewed timestamp was never swept")
	}
}
