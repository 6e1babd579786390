package progress

import "context"

// Sink consumes batches of progress events. Implementations must honor ctx
// deadlines and tolerate repeated calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes single events. Hub satisfies it; runners and the
// orchestrator depend only on this interface.
type Emitter interface {
	Emit(evt Event)
}

// Emit forwards evt when e is non-nil.
func Emit(e Emitter, evt Event) {
	if e != nil {
		e.Emit(evt)
	}
}
