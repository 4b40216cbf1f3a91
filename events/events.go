// Package events carries job and watch notifications from the engine to
// whoever displays them.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"filebridge/logging"
	"filebridge/metrics"
)

type Kind string

const (
	JobProgress  Kind = "job_progress"
	JobCompleted Kind = "job_completed"
	JobFailed    Kind = "job_failed"
	WatchError   Kind = "watch_error"
)

// Event is a flat record; fields that do not apply to the kind are zero.
type Event struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`

	JobID string `json:"jobId,omitempty"`
	Op    string `json:"op,omitempty"`
	// Completed and Total count entries of the job.
	Completed int `json:"completed"`
	Total     int `json:"total"`
	// Path, Bytes and Size describe the file in flight.
	Path  string `json:"path,omitempty"`
	Bytes int64  `json:"bytes,omitempty"`
	Size  int64  `json:"size,omitempty"`

	Registration string `json:"registration,omitempty"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// Sink receives events. Publish must not block.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

const defaultBuffer = 256

type subscriber struct {
	ch    chan Event
	kinds map[Kind]bool
}

func (s *subscriber) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Bus fans events out to buffered subscriber channels. A full subscriber
// loses the event instead of stalling the publisher.
type Bus struct {
	mu         sync.RWMutex
	subs       []*subscriber
	bufferSize int
	closed     bool
	dropped    atomic.Int64
	log        zerolog.Logger
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	return &Bus{bufferSize: bufferSize, log: logging.For("events")}
}

// Subscribe returns a channel receiving the given kinds, or every kind when
// none are given. The channel is closed by Unsubscribe or Close.
func (b *Bus) Subscribe(kinds ...Kind) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch
	}

	s := &subscriber{ch: ch, kinds: map[Kind]bool{}}
	for _, k := range kinds {
		s.kinds[k] = true
	}
	b.subs = append(b.subs, s)
	return ch
}

func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.ch == ch {
			close(s.ch)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish implements Sink.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Err != nil && e.Error == "" {
		e.Error = e.Err.Error()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			metrics.RecordEventDropped()
			if n := b.dropped.Add(1); n%100 == 1 {
				b.log.Warn().Int64("dropped", n).Str("kind", string(e.Kind)).Msg("subscriber full, event dropped")
			}
		}
	}
}

// Dropped is the number of deliveries lost to full subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
