package progress

import "context"

// Sink receives flushed batches from a Hub. The Hub calls Consume from its own
// goroutine, one call per sink at a time, and the batch is shared between
// sinks so it must not be modified. Close is called once after the last batch.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is what queue, throttle, executor and workers report to.
type Emitter interface {
	Emit(evt Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(evt Event)

// Emit calls f.
func (f EmitterFunc) Emit(evt Event) { f(evt) }

type discard struct{}

func (discard) Emit(Event) {}

// Discard is an Emitter that drops every event.
var Discard Emitter = discard{}
