package payment

import (
	"context"
	"encoding/json"
	"time"
)

// EventKind tags a progress event emitted by the payment terminal SDK.
type EventKind string

const (
	EventReadingStarted EventKind = "reading-started"
	EventWaiting        EventKind = "waiting"
	EventPinEntry       EventKind = "pin-entry"
	EventApproved       EventKind = "approved"
	EventDeclined       EventKind = "declined"
	EventError          EventKind = "error"
)

// Final reports whether the event ends the terminal operation.
func (k EventKind) Final() bool {
	return k == EventApproved || k == EventDeclined || k == EventError
}

// Event is one terminal SDK callback, normalized into a tagged value.
type Event struct {
	Kind    EventKind
	Message string
	Result  json.RawMessage
}

// Terminal is the narrow surface the service needs from a payment terminal
// SDK: start one card operation and stream its progress. The channel must be
// closed after a final event. Implementations own all SDK-specific detail.
type Terminal interface {
	Process(ctx context.Context, transactionID string, amount float64) (<-chan Event, error)
}

// Simulator is a scripted Terminal for tests and local development. It plays
// the configured event kinds in order with a fixed delay between them; an
// empty script plays the happy path.
type Simulator struct {
	Script []EventKind
	Delay  time.Duration
}

var defaultScript = []EventKind{EventReadingStarted, EventWaiting, EventPinEntry, EventApproved}

func (s *Simulator) Process(ctx context.Context, transactionID string, amount float64) (<-chan Event, error) {
	script := s.Script
	if len(script) == 0 {
		script = defaultScript
	}

	events := make(chan Event, len(script))
	go func() {
		defer close(events)
		for _, kind := range script {
			if s.Delay > 0 {
				select {
				case <-ctx.Done():
					events <- Event{Kind: EventError, Message: ctx.Err().Error()}
					return
				case <-time.After(s.Delay):
				}
			}
			ev := Event{Kind: kind}
			if kind == EventApproved {
				ev.Result, _ = json.Marshal(map[string]any{
					"transactionId": transactionID,
					"amount":        amount,
					"approvedAt":    time.Now().UTC(),
				})
			}
			events <- ev
			if kind.Final() {
				return
			}
		}
	}()
	return events, nil
}
