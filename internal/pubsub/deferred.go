package pubsub

import (
	"context"
	"sync"
)

type pendingEvent struct {
	channel string
	payload []byte
}

// Deferred buffers publishes issued during a mutating sequence and delivers
// them once the sequence has committed. Pass a Deferred wherever a Publisher
// is expected, then call Flush after the transaction commits or Discard when
// it rolls back.
type Deferred struct {
	bus *Bus

	mu     sync.Mutex
	events []pendingEvent
}

func NewDeferred(bus *Bus) *Deferred {
	return &Deferred{bus: bus}
}

// Publish buffers the event. It never fails; delivery errors surface from
// Flush.
func (d *Deferred) Publish(_ context.Context, channel string, payload []byte) error {
	d.mu.Lock()
	d.events = append(d.events, pendingEvent{channel: channel, payload: append([]byte(nil), payload...)})
	d.mu.Unlock()
	return nil
}

// Flush delivers all buffered events in order. The buffer is cleared even
// when a publish fails; the first failure is returned.
func (d *Deferred) Flush(ctx context.Context) error {
	d.mu.Lock()
	events := d.events
	d.events = nil
	d.mu.Unlock()

	var firstErr error
	for _, event := range events {
		if err := d.bus.Publish(ctx, event.channel, event.payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Discard drops all buffered events.
func (d *Deferred) Discard() {
	d.mu.Lock()
	d.events = nil
	d.mu.Unlock()
}
