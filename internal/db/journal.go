package db

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MaxParisotto/bbb-websocket/internal/monitoring"
	"github.com/MaxParisotto/bbb-websocket/internal/registry"
	"github.com/MaxParisotto/bbb-websocket/internal/safety"
)

// DefaultJournalBuffer is the number of events queued before new ones are
// dropped.
const DefaultJournalBuffer = 256

const journalWriteTimeout = 2 * time.Second

// Recorder persists a single event.
type Recorder interface {
	RecordEvent(ctx context.Context, e *SafetyEvent) error
}

// Journal queues safety and connection events and writes them from a single
// goroutine. Transition and Connection never block, so they are safe to use
// as observers on the hot path.
type Journal struct {
	rec     Recorder
	queue   chan SafetyEvent
	dropped atomic.Int64
	written atomic.Int64
}

// NewJournal returns a Journal with the given queue size. A non-positive size
// uses DefaultJournalBuffer.
func NewJournal(rec Recorder, size int) *Journal {
	if size <= 0 {
		size = DefaultJournalBuffer
	}
	return &Journal{rec: rec, queue: make(chan SafetyEvent, size)}
}

// Transition queues a safety state change.
func (j *Journal) Transition(t safety.Transition) {
	detail := "cause=" + t.Cause
	if t.Err != nil {
		detail += " error=" + t.Err.Error()
	}
	j.enqueue(SafetyEvent{
		Kind:      KindSafety,
		FromState: t.From.String(),
		ToState:   t.To.String(),
		Detail:    detail,
		CreatedAt: t.At,
	})
}

// Connection queues a connect or disconnect.
func (j *Journal) Connection(e registry.Event) {
	to := "disconnected"
	if e.Connected {
		to = "connected"
	}
	j.enqueue(SafetyEvent{
		Kind:      KindConnection,
		ToState:   to,
		Detail:    fmt.Sprintf("kind=%s id=%s remaining=%d", e.Kind, e.ID, e.Remaining),
		CreatedAt: time.Now(),
	})
}

func (j *Journal) enqueue(e SafetyEvent) {
	select {
	case j.queue <- e:
	default:
		n := j.dropped.Add(1)
		monitoring.Printf("[journal] queue full, dropped %s event %s->%s (%d dropped total)", e.Kind, e.FromState, e.ToState, n)
	}
}

// Run writes queued events until ctx is done, then flushes what is left.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			j.flush()
			return ctx.Err()
		case e := <-j.queue:
			j.write(ctx, e)
		}
	}
}

func (j *Journal) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	for {
		select {
		case e := <-j.queue:
			j.write(ctx, e)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, e SafetyEvent) {
	wctx, cancel := context.WithTimeout(ctx, journalWriteTimeout)
	defer cancel()
	if err := j.rec.RecordEvent(wctx, &e); err != nil {
		monitoring.Printf("[journal] failed to record %s event: %v", e.Kind, err)
		return
	}
	j.written.Add(1)
}

// Dropped returns the number of events lost to a full queue.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Written returns the number of events persisted.
func (j *Journal) Written() int64 { return j.written.Load() }
