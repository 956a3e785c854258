package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultQueueSize bounds the events buffered ahead of slow sinks.
const DefaultQueueSize = 256

// Recorder fans events out to sinks from its own goroutine. Record never
// blocks: when the queue is full the event is dropped and counted.
type Recorder struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration

	mu      sync.Mutex
	dropped int
	closed  bool
	done    chan struct{}
}

// NewRecorder starts delivery to sinks. Close flushes the queue.
func NewRecorder(sinks ...Sink) *Recorder {
	r := &Recorder{
		sinks:   sinks,
		queue:   make(chan Event, DefaultQueueSize),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record enqueues e for delivery.
func (r *Recorder) Record(e Event) {
	if len(r.sinks) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.dropped++
		if r.dropped == 1 || r.dropped%100 == 0 {
			slog.Warn("history queue full, dropping events", "dropped", r.dropped)
		}
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				slog.Warn("history sink send failed", "event", e.Type, "name", e.Record.Name, "error", err)
			}
			cancel()
		}
	}
}

// Close drains pending events and closes every sink.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
	var errs []error
	for _, s := range r.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
