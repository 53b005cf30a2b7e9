// Package progress carries best-effort transcode progress notifications from
// encode jobs to whoever is listening. Publishing never blocks and never fails;
// events are dropped when consumers fall behind.
package progress

import "time"

type State string

const (
	StateProcessing State = "processing"
	StateRunning    State = "running"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateReady      State = "ready"
	// StateInterrupted means the session was stopped before finishing and the
	// video went back to the queue.
	StateInterrupted State = "interrupted"
)

// Event is one progress notification. Profile is empty for video level events.
type Event struct {
	VideoID     string    `json:"videoId"`
	SessionID   string    `json:"sessionId,omitempty"`
	Profile     string    `json:"profile,omitempty"`
	State       State     `json:"state"`
	Percent     float64   `json:"percent"`
	BitrateKbps float64   `json:"bitrateKbps,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Sink receives progress events. Implementations must return promptly.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops every event.
var Discard Sink = discard{}

// Multi fans an event out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return SinkFunc(func(e Event) {
		for _, s := range filtered {
			s.Publish(e)
		}
	})
}
