package copilot

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

func TestChanStreamCollect(t *testing.T) {
	stream := NewChanStream(context.Background(), 4, func(_ context.Context, emit EmitFunc) {
		for _, s := range []string{"a", "b", "c"} {
			if !emit(models.NewTextDelta("m", s)) {
				return
			}
		}
	})
	events, err := Collect(context.Background(), stream)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(events) != 3 || events[2].Text.Delta != "c" {
		t.Errorf("events = %+v", events)
	}
}

func TestChanStreamCloseStopsProducer(t *testing.T) {
	stopped := make(chan struct{})
	stream := NewChanStream(context.Background(), 0, func(ctx context.Context, emit EmitFunc) {
		defer close(stopped)
		for emit(models.NewTextDelta("m", "x")) {
		}
	})
	if _, err := stream.Recv(context.Background()); err != nil {
		t.Fatal(err)
	}
	stream.Close()
	stream.Close()
	<-stopped
}

func TestSinks(t *testing.T) {
	ch := make(chan models.StreamEvent, 1)
	counting := NewCountingSink(NewChanSink(ch))
	multi := NewMultiSink(counting, nil, NopSink{})

	if err := multi.Emit(context.Background(), models.NewTextDelta("m", "hi")); err != nil {
		t.Fatal(err)
	}
	if counting.Count() != 1 {
		t.Errorf("Count() = %d, want 1", counting.Count())
	}
	if got := <-ch; got.Text.Delta != "hi" {
		t.Errorf("received %+v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	blocked := NewChanSink(make(chan models.StreamEvent))
	if err := blocked.Emit(ctx, models.NewTextDelta("m", "x")); !errors.Is(err, context.Canceled) {
		t.Errorf("Emit on cancelled ctx = %v", err)
	}

	var nilCallback CallbackSink
	if err := nilCallback.Emit(context.Background(), models.StreamEvent{}); err != nil {
		t.Errorf("nil CallbackSink error = %v", err)
	}
}
