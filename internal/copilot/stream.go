package copilot

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// EventStream is a finite, pull-based sequence of stream events.
// Recv returns io.EOF after the last event. Streams are not restartable.
type EventStream interface {
	Recv(ctx context.Context) (models.StreamEvent, error)
	Close() error
}

// AdapterRequest is the normalized input every model adapter receives.
type AdapterRequest struct {
	ThreadID     string
	RunID        string
	Messages     []models.Message
	Actions      []models.ActionSpec
	Forwarded    models.ForwardedParameters
	Extensions   map[string]json.RawMessage
	AgentSession *models.AgentSession
}

// ModelAdapter wraps one LLM provider or agent framework.
//
// Invoke returns an error only when the request cannot be sent at all.
// Provider failures after that point, including rate limits and quota
// errors, arrive as error events on the stream.
type ModelAdapter interface {
	Name() string
	Invoke(ctx context.Context, req *AdapterRequest) (EventStream, error)
}

type sliceStream struct {
	events []models.StreamEvent
	pos    int
}

// NewSliceStream returns a stream replaying the given events.
func NewSliceStream(events ...models.StreamEvent) EventStream {
	return &sliceStream{events: events}
}

func (s *sliceStream) Recv(ctx context.Context) (models.StreamEvent, error) {
	if err := ctx.Err(); err != nil {
		return models.StreamEvent{}, err
	}
	if s.pos >= len(s.events) {
		return models.StreamEvent{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *sliceStream) Close() error { return nil }

// EmitFunc hands one event to the consumer. It returns false once the
// stream was closed or its context ended; producers must stop then.
type EmitFunc func(models.StreamEvent) bool

// ChanStream runs a producer goroutine and exposes its output as an
// EventStream. Closing the stream cancels the producer's context.
type ChanStream struct {
	events <-chan models.StreamEvent
	cancel context.CancelFunc
	once   sync.Once
}

// NewChanStream starts produce in a goroutine. The channel closes when
// produce returns.
func NewChanStream(ctx context.Context, buffer int, produce func(ctx context.Context, emit EmitFunc)) *ChanStream {
	streamCtx, cancel := context.WithCancel(ctx)
	ch := make(chan models.StreamEvent, buffer)

	go func() {
		defer close(ch)
		produce(streamCtx, func(ev models.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-streamCtx.Done():
				return false
			}
		})
	}()

	return &ChanStream{events: ch, cancel: cancel}
}

func (s *ChanStream) Recv(ctx context.Context) (models.StreamEvent, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return models.StreamEvent{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return models.StreamEvent{}, ctx.Err()
	}
}

func (s *ChanStream) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Collect drains a stream into a slice. Used by tests and the CLI.
func Collect(ctx context.Context, stream EventStream) ([]models.StreamEvent, error) {
	defer stream.Close()
	var events []models.StreamEvent
	for {
		ev, err := stream.Recv(ctx)
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}
