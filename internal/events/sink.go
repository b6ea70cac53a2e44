// Package events carries progress notifications from the execution engine
// and the benchmark harness to external consumers. Sinks are invoked
// synchronously on the emitting goroutine and must not block.
package events

import "github.com/seantiz/flextest/internal/model"

// Sink receives events. Implementations must be safe for use from the
// benchmark worker goroutine as well as the caller's goroutine.
type Sink interface {
	Emit(ev model.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev model.Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev model.Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(model.Event) {})

type multi []Sink

func (m multi) Emit(ev model.Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Multi returns a Sink that forwards to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return Discard
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}
