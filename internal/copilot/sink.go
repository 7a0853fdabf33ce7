package copilot

import (
	"context"
	"sync/atomic"

	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// EventSink receives the ordered output of a run. Emit blocks until the
// consumer accepted the event; a returned error stops the run the same way
// a cancellation does.
type EventSink interface {
	Emit(ctx context.Context, ev models.StreamEvent) error
}

// ChanSink forwards events into a channel, waiting for the reader.
type ChanSink struct {
	ch chan<- models.StreamEvent
}

func NewChanSink(ch chan<- models.StreamEvent) *ChanSink {
	return &ChanSink{ch: ch}
}

func (s *ChanSink) Emit(ctx context.Context, ev models.StreamEvent) error {
	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MultiSink fans events out to several sinks in order. The first error
// stops the fan-out.
type MultiSink struct {
	sinks []EventSink
}

func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

func (s *MultiSink) Emit(ctx context.Context, ev models.StreamEvent) error {
	for _, sink := range s.sinks {
		if err := sink.Emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// CallbackSink adapts a function.
type CallbackSink func(ctx context.Context, ev models.StreamEvent) error

func (f CallbackSink) Emit(ctx context.Context, ev models.StreamEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, ev)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(context.Context, models.StreamEvent) error { return nil }

// CountingSink counts events before handing them on.
type CountingSink struct {
	next  EventSink
	count atomic.Uint64
}

func NewCountingSink(next EventSink) *CountingSink {
	if next == nil {
		next = NopSink{}
	}
	return &CountingSink{next: next}
}

func (s *CountingSink) Emit(ctx context.Context, ev models.StreamEvent) error {
	s.count.Add(1)
	return s.next.Emit(ctx, ev)
}

// Count returns the number of events seen.
func (s *CountingSink) Count() uint64 {
	return s.count.Load()
}
