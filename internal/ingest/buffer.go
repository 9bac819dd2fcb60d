package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tinytelemetry/vigil/internal/model"
)

var (
	// ErrBackpressure is returned when the buffer stayed full for the whole
	// submit wait. The caller decides whether to retry or drop.
	ErrBackpressure = errors.New("ingest: backpressure")

	// ErrClosed is returned once the buffer stopped admitting records.
	ErrClosed = errors.New("ingest: buffer closed")

	// ErrCursorClosed is returned by Next after the cursor was detached.
	ErrCursorClosed = errors.New("ingest: cursor closed")
)

// RejectedError describes why a record was not admitted.
type RejectedError struct {
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ingest: rejected: %s", e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// WriteAheadLog persists admitted records before consumers can see them.
type WriteAheadLog interface {
	AppendBatch(records []model.LogRecord) (uint64, error)
}

// Entry is one admitted record together with its journal sequence (0 without a journal).
type Entry struct {
	Record model.LogRecord
	Seq    uint64
}

// BufferConfig holds tunable parameters for the ingest buffer.
type BufferConfig struct {
	Capacity   int
	SubmitWait time.Duration // negative rejects without waiting
	Journal    WriteAheadLog
}

// Buffer is a bounded broadcast log. Every subscribed cursor sees every record;
// a slot is reclaimed only once all active cursors moved past it, so the
// buffered volume is head minus the slowest cursor.
type Buffer struct {
	mu       sync.Mutex
	ring     []Entry
	head     uint64 // absolute position of the next append
	tail     uint64 // oldest retained position
	cursors  map[*Cursor]struct{}
	closed   bool
	wait     time.Duration
	journal  WriteAheadLog
	readable chan struct{} // closed when records were appended or the buffer closed
	writable chan struct{} // closed when slots were reclaimed or the buffer closed
}

// NewBuffer creates an empty buffer. Capacity defaults to model.DefaultBufferCapacity.
func NewBuffer(conf ...BufferConfig) *Buffer {
	capacity := model.DefaultBufferCapacity
	wait := model.DefaultSubmitWait
	var wal WriteAheadLog
	if len(conf) > 0 {
		if conf[0].Capacity > 0 {
			capacity = conf[0].Capacity
		}
		if conf[0].SubmitWait > 0 {
			wait = conf[0].SubmitWait
		} else if conf[0].SubmitWait < 0 {
			wait = 0
		}
		wal = conf[0].Journal
	}
	return &Buffer{
		ring:     make([]Entry, capacity),
		cursors:  make(map[*Cursor]struct{}),
		wait:     wait,
		journal:  wal,
		readable: make(chan struct{}),
		writable: make(chan struct{}),
	}
}

// Capacity returns the maximum number of buffered records.
func (b *Buffer) Capacity() int { return len(b.ring) }

// Len returns the number of records not yet consumed by every cursor.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.head - b.tail)
}

// Submit admits one record, waiting at most the configured submit wait for space.
func (b *Buffer) Submit(ctx context.Context, record model.LogRecord) error {
	n, err := b.SubmitBatch(ctx, []model.LogRecord{record})
	if n == 1 {
		return nil
	}
	return err
}

// SubmitBatch admits records in order and returns how many were accepted.
// Records after the first rejection are not admitted.
func (b *Buffer) SubmitBatch(ctx context.Context, records []model.LogRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	deadline := time.Now().Add(b.wait)
	accepted := 0
	for accepted < len(records) {
		n, writable, err := b.tryAppend(records[accepted:])
		accepted += n
		if err != nil {
			return accepted, err
		}
		if n > 0 {
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return accepted, &RejectedError{Reason: "buffer full", Err: ErrBackpressure}
		}
		timer := time.NewTimer(remaining)
		select {
		case <-writable:
			timer.Stop()
		case <-timer.C:
			return accepted, &RejectedError{Reason: "buffer full", Err: ErrBackpressure}
		case <-ctx.Done():
			timer.Stop()
			return accepted, &RejectedError{Reason: ctx.Err().Error(), Err: ErrBackpressure}
		}
	}
	return accepted, nil
}

// tryAppend admits as many records as fit right now. When nothing fits it
// returns the channel that will be closed once space is reclaimed.
func (b *Buffer) tryAppend(records []model.LogRecord) (int, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, nil, ErrClosed
	}
	free := len(b.ring) - int(b.head-b.tail)
	if free <= 0 {
		return 0, b.writable, nil
	}
	if len(records) > free {
		records = records[:free]
	}

	// Records without a known level are admitted as INFO, so every copy
	// downstream (journal, archive, classifier) sees the same value.
	admitted := make([]model.LogRecord, len(records))
	for i, rec := range records {
		rec = rec.Clone()
		if !rec.Severity.Valid() {
			rec.Severity = model.SeverityInfo
		}
		admitted[i] = rec
	}

	// Journal order must equal ring order so that committing the highest
	// archived sequence never covers an unarchived record.
	var firstSeq uint64
	if b.journal != nil {
		seq, err := b.journal.AppendBatch(admitted)
		if err != nil {
			return 0, nil, fmt.Errorf("ingest: journal append: %w", err)
		}
		firstSeq = seq
	}

	for i, rec := range admitted {
		e := Entry{Record: rec}
		if firstSeq > 0 {
			e.Seq = firstSeq + uint64(i)
		}
		b.ring[b.head%uint64(len(b.ring))] = e
		b.head++
	}
	close(b.readable)
	b.readable = make(chan struct{})
	return len(admitted), nil, nil
}

// Subscribe attaches a new consumer positioned at the oldest retained record.
func (b *Buffer) Subscribe(name string) *Cursor {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &Cursor{buf: b, name: name, pos: b.tail}
	b.cursors[c] = struct{}{}
	return c
}

// Close stops admission. Cursors still receive buffered records, then io.EOF.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.readable)
	b.readable = make(chan struct{})
	close(b.writable)
	b.writable = make(chan struct{})
}

// reclaim advances tail to the slowest active cursor. Caller holds b.mu.
func (b *Buffer) reclaim() {
	if len(b.cursors) == 0 {
		return
	}
	lowest := b.head
	for c := range b.cursors {
		if c.pos < lowest {
			lowest = c.pos
		}
	}
	if lowest <= b.tail {
		return
	}
	for p := b.tail; p < lowest; p++ {
		b.ring[p%uint64(len(b.ring))] = Entry{}
	}
	b.tail = lowest
	close(b.writable)
	b.writable = make(chan struct{})
}

// Cursor is one consumer's independent read position.
type Cursor struct {
	buf    *Buffer
	name   string
	pos    uint64
	closed bool
}

// Name returns the consumer name given at Subscribe.
func (c *Cursor) Name() string { return c.name }

// Next blocks until a record is available, the buffer is closed and fully
// consumed (io.EOF), the cursor is closed, or ctx is done.
func (c *Cursor) Next(ctx context.Context) (Entry, error) {
	b := c.buf
	for {
		b.mu.Lock()
		if c.closed {
			b.mu.Unlock()
			return Entry{}, ErrCursorClosed
		}
		if c.pos < b.head {
			e := b.ring[c.pos%uint64(len(b.ring))]
			c.pos++
			b.reclaim()
			b.mu.Unlock()
			return e, nil
		}
		if b.closed {
			b.mu.Unlock()
			return Entry{}, io.EOF
		}
		readable := b.readable
		b.mu.Unlock()

		select {
		case <-readable:
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		}
	}
}

// Pending returns how many records this cursor has not read yet.
func (c *Cursor) Pending() int {
	c.buf.mu.Lock()
	defer c.buf.mu.Unlock()
	if c.closed {
		return 0
	}
	return int(c.buf.head - c.pos)
}

// Close detaches the cursor so it no longer holds back reclamation.
func (c *Cursor) Close() {
	b := c.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	delete(b.cursors, c)
	b.reclaim()
	close(b.readable)
	b.readable = make(chan struct{})
}
