// Package ingest implements the single-threaded Ingestion Worker that
// drains the inbound queue, feeds the inspection engine, and paces
// heartbeat evaluation ticks (spec component 7, §4.7).
package ingest

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ridgeline-motors/edge-agent/internal/condition"
	"github.com/ridgeline-motors/edge-agent/internal/dtc"
	"github.com/ridgeline-motors/edge-agent/internal/selftrace"
	"github.com/ridgeline-motors/edge-agent/internal/signal"
)

// Item is one inbound item: either a decoded sample, a batch (SignalGroup),
// or a DTC snapshot, matching spec §6's inbound contract.
type Item struct {
	Sample    *DecodedSample
	Batch     []DecodedSample
	DTCs      *dtc.Snapshot
}

// DecodedSample mirrors spec §6's DecodedSample shape.
type DecodedSample struct {
	SignalID       uint32
	TSSystemMs     uint64
	Value          signal.Value
	SignalType     signal.Type
	FetchRequestID uint32
}

// Engine is the subset of *inspection.Engine the worker drives, kept as an
// interface so tests can substitute a fake.
type Engine interface {
	PushSample(signalID uint32, value signal.Value, tsMs uint64)
	Tick(nowMs uint64) uint64
}

// MatrixSwap is polled for a pending matrix replacement; returns nil when
// there is nothing new since the last poll.
type MatrixSwap interface {
	TakePending() *condition.Matrix
}

// HandleReleaser decreases the "outside history buffer" usage hint for a
// handle-kind sample once it has been pushed into the engine (spec §4.7
// step 2).
type HandleReleaser interface {
	ReleaseInboundHint(h signal.Handle)
}

// Worker owns the engine on its single goroutine.
type Worker struct {
	engine   Engine
	activate func(*condition.Matrix)
	swap     MatrixSwap
	dtcStore *dtc.LatestStore
	releaser HandleReleaser
	metrics  *selftrace.Metrics

	inbound chan Item

	evaluateIntervalMs uint64
	idleTimeoutMs      uint64

	lastEvaluateMs atomic.Uint64
	nowFn          func() uint64
}

// Option configures a Worker at construction time.
type Option func(*Worker)

// WithClock overrides the wall-clock source, for deterministic tests.
func WithClock(fn func() uint64) Option {
	return func(w *Worker) { w.nowFn = fn }
}

// New builds a worker around engine, draining from inbound (capacity sized
// by the caller as the bounded MPSC queue spec §5 describes).
func New(engine Engine, activate func(*condition.Matrix), swap MatrixSwap, dtcStore *dtc.LatestStore, releaser HandleReleaser, metrics *selftrace.Metrics, inbound chan Item, evaluateIntervalMs, idleTimeoutMs uint64, opts ...Option) *Worker {
	w := &Worker{
		engine:             engine,
		activate:           activate,
		swap:               swap,
		dtcStore:           dtcStore,
		releaser:           releaser,
		metrics:            metrics,
		inbound:            inbound,
		evaluateIntervalMs: evaluateIntervalMs,
		idleTimeoutMs:      idleTimeoutMs,
		nowFn:              func() uint64 { return uint64(time.Now().UnixMilli()) },
	}
	return w
}

// Run loops until ctx is cancelled, implementing the per-wake-up sequence
// from spec §4.7.
func (w *Worker) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("ingest: worker stopping")
			return
		case <-timer.C:
		}

		if m := w.swap.TakePending(); m != nil {
			w.activate(m)
			slog.Info("ingest: matrix activated")
		}

		drained := w.drainOnce()

		now := w.nowFn()
		since := now - w.lastEvaluateMs.Load()
		if drained > 0 || since >= w.evaluateIntervalMs {
			waitHint := w.engine.Tick(now)
			w.lastEvaluateMs.Store(now)
			sleep := w.idleTimeoutMs
			if waitHint < sleep {
				sleep = waitHint
			}
			timer.Reset(time.Duration(sleep) * time.Millisecond)
		} else {
			timer.Reset(time.Duration(w.idleTimeoutMs) * time.Millisecond)
		}
	}
}

// drainOnce drains whatever is currently queued without blocking, pushing
// each item into the engine, and returns how many items were processed.
func (w *Worker) drainOnce() int {
	count := 0
	for {
		select {
		case item := <-w.inbound:
			w.handle(item)
			count++
		default:
			return count
		}
	}
}

func (w *Worker) handle(item Item) {
	switch {
	case item.Sample != nil:
		w.handleSample(*item.Sample)
	case item.Batch != nil:
		for _, s := range item.Batch {
			w.handleSample(s)
		}
	case item.DTCs != nil:
		w.dtcStore.Update(*item.DTCs)
	}
}

func (w *Worker) handleSample(s DecodedSample) {
	if s.SignalType == signal.TypeUnknown {
		slog.Warn("ingest: dropping sample with unknown signal type", "signal_id", s.SignalID)
		if w.metrics != nil {
			w.metrics.IngestDropped.Inc()
		}
		return
	}
	w.engine.PushSample(s.SignalID, s.Value, s.TSSystemMs)
	if s.Value.Kind().IsHandle() && w.releaser != nil {
		w.releaser.ReleaseInboundHint(s.Value.Handle())
	}
}
