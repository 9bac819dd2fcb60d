// Package dispatch delivers alerts to the message bus and the analytical
// store with at-least-once semantics.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/vigil/internal/metrics"
	"github.com/tinytelemetry/vigil/internal/model"
)

const (
	DefaultTopic          = "vigil.alerts"
	DefaultWorkers        = 4
	DefaultRetryLimit     = 5
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

// ErrDispatchFailed is wrapped by every LegError.
var ErrDispatchFailed = errors.New("dispatch: dispatch failed")

var tracer = otel.Tracer("github.com/tinytelemetry/vigil/internal/dispatch")

// Leg names one delivery target.
type Leg string

const (
	LegBus   Leg = "bus"
	LegStore Leg = "store"
)

// LegError reports a leg that exhausted its retries.
type LegError struct {
	AlertID string
	Leg     Leg
	Err     error
}

func (e *LegError) Error() string {
	return fmt.Sprintf("dispatch: alert %s: %s leg failed: %v", e.AlertID, e.Leg, e.Err)
}

func (e *LegError) Unwrap() []error { return []error{ErrDispatchFailed, e.Err} }

// LegResult describes one leg of a dispatch.
type LegResult struct {
	Leg       Leg
	Delivered bool
	// Skipped is set when the ledger already recorded the leg as delivered.
	Skipped  bool
	Attempts int
	Err      error
}

// Outcome is the result of dispatching one alert. The legs are independent:
// one may fail while the other is delivered.
type Outcome struct {
	AlertID string
	Bus     LegResult
	Store   LegResult
}

// OK reports whether both legs are delivered.
func (o Outcome) OK() bool {
	return o.Bus.Err == nil && o.Store.Err == nil
}

// Err joins the errors of failed legs, or nil.
func (o Outcome) Err() error {
	var errs []error
	for _, r := range []LegResult{o.Bus, o.Store} {
		if r.Err != nil {
			errs = append(errs, &LegError{AlertID: o.AlertID, Leg: r.Leg, Err: r.Err})
		}
	}
	return errors.Join(errs...)
}

// DeadLetterSink receives legs that could not be delivered.
type DeadLetterSink interface {
	Append(DeadLetter) error
}

// Config configures a Dispatcher. Publisher and Store are required.
type Config struct {
	Topic       string
	Publisher   model.AlertPublisher
	Store       model.AlertStore
	Ledger      Ledger
	DeadLetters DeadLetterSink

	Workers        int
	RetryLimit     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Metrics *metrics.Metrics
	// OnFailure is called for every outcome with at least one failed leg.
	OnFailure func(Outcome)
}

// Dispatcher delivers alerts. It is safe for concurrent use.
type Dispatcher struct {
	cfg Config
}

func New(cfg Config) *Dispatcher {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Ledger == nil {
		cfg.Ledger = NewMemoryLedger()
	}
	return &Dispatcher{cfg: cfg}
}

// Run starts the worker pool and dispatches every alert received on alerts
// until the channel is closed or ctx is cancelled. A panicking worker stops
// the pool and is returned as an error.
func (d *Dispatcher) Run(ctx context.Context, alerts <-chan model.Alert) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		id := i
		g.Go(func() error { return d.worker(gctx, id, alerts) })
	}
	return g.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, id int, alerts <-chan model.Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: worker %d panicked: %v", id, r)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case alert, ok := <-alerts:
			if !ok {
				return nil
			}
			d.Dispatch(ctx, alert)
		}
	}
}

// Dispatch delivers alert to the bus and the store concurrently. Each leg is
// retried on its own; a leg already in the ledger is skipped, so
// re-dispatching the same alert id never duplicates a delivered leg.
func (d *Dispatcher) Dispatch(ctx context.Context, alert model.Alert) Outcome {
	out := Outcome{AlertID: alert.ID}

	payload, err := json.Marshal(alert)
	if err != nil {
		// Unreachable for well-formed alerts; the store leg can still run.
		log.Printf("dispatch: encode alert %s: %v", alert.ID, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		out.Bus = d.runLeg(ctx, alert, LegBus, func(ctx context.Context) error {
			if payload == nil {
				return backoff.Permanent(fmt.Errorf("encode alert: %w", err))
			}
			return d.cfg.Publisher.Publish(ctx, d.cfg.Topic, alert.ID, payload)
		})
	}()
	go func() {
		defer wg.Done()
		out.Store = d.runLeg(ctx, alert, LegStore, func(ctx context.Context) error {
			return d.cfg.Store.InsertOrReplace(ctx, alert)
		})
	}()
	wg.Wait()

	if !out.OK() && d.cfg.OnFailure != nil {
		d.cfg.OnFailure(out)
	}
	return out
}

func (d *Dispatcher) runLeg(ctx context.Context, alert model.Alert, leg Leg, send func(context.Context) error) LegResult {
	res := LegResult{Leg: leg}

	done, err := d.cfg.Ledger.Delivered(ctx, alert.ID, leg)
	if err != nil {
		log.Printf("dispatch: %v; delivering %s leg anyway", err, leg)
	}
	if done {
		res.Delivered, res.Skipped = true, true
		return res
	}

	ctx, span := tracer.Start(ctx, "dispatch."+string(leg), trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("vigil.alert_id", alert.ID),
		attribute.String("vigil.rule_id", alert.RuleID),
	)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.cfg.InitialBackoff
	eb.MaxInterval = d.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.cfg.RetryLimit)), ctx)

	var history []string
	op := func() (err error) {
		res.Attempts++
		defer func() {
			if r := recover(); r != nil {
				err = backoff.Permanent(fmt.Errorf("%s leg panicked: %v", leg, r))
			}
			if err != nil {
				history = append(history, err.Error())
			}
		}()
		return send(ctx)
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("dispatch: %s leg for alert %s failed (attempt %d), retrying in %s: %v", leg, alert.ID, res.Attempts, wait, err)
	}

	err = backoff.RetryNotify(op, policy, notify)
	span.SetAttributes(attribute.Int("vigil.attempts", res.Attempts))
	if err == nil {
		res.Delivered = true
		if err := d.cfg.Ledger.MarkDelivered(ctx, alert.ID, leg); err != nil {
			log.Printf("dispatch: %v", err)
		}
		return res
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "dispatch leg exhausted")
	res.Err = err
	d.cfg.Metrics.DispatchFailed(string(leg))
	d.deadLetter(alert, leg, res.Attempts, history, err, ctx.Err())
	return res
}

func (d *Dispatcher) deadLetter(alert model.Alert, leg Leg, attempts int, history []string, err, ctxErr error) {
	reason := "retries exhausted"
	switch {
	case ctxErr != nil:
		reason = "abandoned: " + ctxErr.Error()
	case attempts <= d.cfg.RetryLimit:
		reason = "permanent error"
	}
	log.Printf("dispatch: dead-lettering %s leg for alert %s after %d attempts (%s): %v", leg, alert.ID, attempts, reason, err)

	if d.cfg.DeadLetters == nil {
		return
	}
	dl := DeadLetter{
		Alert:    alert,
		Leg:      leg,
		Reason:   reason,
		Attempts: attempts,
		Errors:   history,
		FailedAt: time.Now().UTC(),
	}
	if err := d.cfg.DeadLetters.Append(dl); err != nil {
		log.Printf("dispatch: %v", err)
	}
}
