// Package trace implements the TraceSink adapter: an opaque, non-blocking
// submission point for per-request trace records. Records are written to an
// internal buffered channel and flushed in batches by a background
// goroutine, mirroring the batched request-logger pattern this was adapted
// from — so emitting a trace record never blocks the proxy hot path.
package trace

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Record is one completed upstream call, per spec.md §3's "Trace record".
type Record struct {
	Model       string
	Provider    string // prefix, or "" when no multi-provider routing applied
	InputBody   string
	OutputBody  string
	StatusCode  int
	Usage       map[string]any
	DurationMs  int64
	GroupID     string
	IsStreaming bool
}

// Sink is the opaque submission interface the core proxy depends on.
type Sink interface {
	Emit(Record)
}

// NoopSink discards every record. Used when tracing is disabled so the
// proxy hot path never pays for a channel send.
type NoopSink struct{}

// Emit discards rec.
func (NoopSink) Emit(Record) {}

// Adapter is the default Sink: async, batched, slog-backed. If LogIO is
// false, input/output bodies are zeroed before the record is ever queued.
type Adapter struct {
	LogIO bool

	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
}

// NewAdapter starts the background flush goroutine and returns an Adapter.
func NewAdapter(ctx context.Context, log *slog.Logger, logIO bool) *Adapter {
	a := &Adapter{
		LogIO:   logIO,
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     log,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Emit queues rec for async emission. If the queue is full, the record is
// dropped and counted — a full trace queue must never block a request.
func (a *Adapter) Emit(rec Record) {
	if !a.LogIO {
		rec.InputBody = ""
		rec.OutputBody = ""
	}
	select {
	case a.ch <- rec:
	default:
		atomic.AddInt64(&a.dropped, 1)
	}
}

// Dropped reports how many records were discarded due to a full queue.
func (a *Adapter) Dropped() int64 {
	return atomic.LoadInt64(&a.dropped)
}

// Close flushes any remaining records and stops the background goroutine.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() { close(a.done) })
	a.wg.Wait()
	return nil
}

func (a *Adapter) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, rec := range batch {
			a.emitOne(rec)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-a.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-a.done:
			for {
				select {
				case rec := <-a.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// emitOne logs a single trace record. A panic here (e.g. a misbehaving
// slog handler) must never reach the caller — tracing failures are always
// swallowed and logged, never surfaced to a client.
func (a *Adapter) emitOne(rec Record) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("trace: sink panicked", slog.Any("panic", r))
		}
	}()
	a.log.InfoContext(a.baseCtx, "trace",
		slog.String("model", rec.Model),
		slog.String("provider", rec.Provider),
		slog.Int("status_code", rec.StatusCode),
		slog.Int64("duration_ms", rec.DurationMs),
		slog.String("group_id", rec.GroupID),
		slog.Bool("is_streaming", rec.IsStreaming),
		slog.Any("usage", rec.Usage),
		slog.String("input_body", rec.InputBody),
		slog.String("output_body", rec.OutputBody),
	)
}
