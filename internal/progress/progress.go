// Package progress carries the live events of long-running jobs, such as a
// script deployment, to whoever is watching.
package progress

import (
	"sync"
	"time"
)

// Type classifies an Event.
type Type string

const (
	TypeLog      Type = "log"
	TypeError    Type = "error"
	TypeSuccess  Type = "success"
	TypeComplete Type = "complete"
)

// Event is one progress message.
type Event struct {
	Type    Type      `json:"type"`
	Message string    `json:"message"`
	JobID   string    `json:"jobId"`
	HostID  string    `json:"hostId,omitempty"`
	Time    time.Time `json:"time"`

	// Done marks the last event of a job: a complete event on success, an
	// error event on failure.
	Done bool `json:"done,omitempty"`
}

// Sink receives events. Emit must not block for long; the emitting job
// waits for it.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit implements Sink.
func (f SinkFunc) Emit(e Event) { f(e) }

type discard struct{}

func (discard) Emit(Event) {}

// Discard drops every event.
var Discard Sink = discard{}

// Multi fans events out to every sink in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(e)
			}
		}
	})
}

// ChannelSink delivers events on a buffered channel. Once the buffer is full
// Emit blocks until the reader catches up; after Close events are dropped.
type ChannelSink struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

// NewChannelSink creates a ChannelSink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Events returns the receive side.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Emit implements Sink.
func (s *ChannelSink) Emit(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.ch <- e
}

// Close closes the channel.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Messages returns the recorded messages of type t, or of every type when t
// is empty.
func (r *Recorder) Messages(t Type) []string {
	var out []string
	for _, e := range r.Events() {
		if t == "" || e.Type == t {
			out = append(out, e.Message)
		}
	}
	return out
}
