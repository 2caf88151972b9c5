package trace_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nulpointcorp/llmgateway/internal/trace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNoopSinkDiscardsRecords(t *testing.T) {
	var s trace.Sink = trace.NoopSink{}
	s.Emit(trace.Record{Model: "m"}) // must not panic
}

func TestAdapterEmitDoesNotBlock(t *testing.T) {
	a := trace.NewAdapter(context.Background(), discardLogger(), true)
	defer a.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			a.Emit(trace.Record{Model: "m", GroupID: "g"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked for over a second on 100 records")
	}
}

func TestAdapterCloseFlushesAndStops(t *testing.T) {
	a := trace.NewAdapter(context.Background(), discardLogger(), false)
	a.Emit(trace.Record{Model: "m"})
	if err := a.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Dropped() != 0 {
		t.Fatalf("expected 0 dropped records, got %d", a.Dropped())
	}
}

func TestAdapterDoesNotDropBelowQueueCapacity(t *testing.T) {
	a := trace.NewAdapter(context.Background(), discardLogger(), false)
	defer a.Close()

	// The adapter's internal channel buffer is large (10k); emitting a
	// modest burst should never register as dropped.
	for i := 0; i < 50; i++ {
		a.Emit(trace.Record{Model: "m"})
	}
	if a.Dropped() != 0 {
		t.Fatalf("did not expect drops for a burst well under channel capacity, got %d", a.Dropped())
	}
}
