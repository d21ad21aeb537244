package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline-motors/edge-agent/internal/condition"
	"github.com/ridgeline-motors/edge-agent/internal/dtc"
	"github.com/ridgeline-motors/edge-agent/internal/selftrace"
	"github.com/ridgeline-motors/edge-agent/internal/signal"
)

// selftrace.NewMetrics registers against the default Prometheus registry,
// so every test in this package shares one instance.
var (
	testMetricsOnce sync.Once
	testMetricsVal  *selftrace.Metrics
)

func testMetrics() *selftrace.Metrics {
	testMetricsOnce.Do(func() { testMetricsVal = selftrace.NewMetrics() })
	return testMetricsVal
}

type fakeEngine struct {
	pushed   []DecodedSample
	ticks    atomic.Int32
	tickWait uint64
}

func (f *fakeEngine) PushSample(signalID uint32, value signal.Value, tsMs uint64) {
	f.pushed = append(f.pushed, DecodedSample{SignalID: signalID, Value: value, TSSystemMs: tsMs})
}

func (f *fakeEngine) Tick(nowMs uint64) uint64 {
	f.ticks.Add(1)
	return f.tickWait
}

type fakeSwap struct {
	pending []*condition.Matrix
}

func (f *fakeSwap) TakePending() *condition.Matrix {
	if len(f.pending) == 0 {
		return nil
	}
	m := f.pending[0]
	f.pending = f.pending[1:]
	return m
}

type fakeReleaser struct {
	released []signal.Handle
}

func (f *fakeReleaser) ReleaseInboundHint(h signal.Handle) {
	f.released = append(f.released, h)
}

func newTestWorker(t *testing.T, engine Engine, inbound chan Item) (*Worker, *fakeReleaser) {
	t.Helper()
	releaser := &fakeReleaser{}
	w := New(engine, func(*condition.Matrix) {}, &fakeSwap{}, dtc.NewLatestStore(), releaser, testMetrics(), inbound, 0, 1000)
	return w, releaser
}

func TestWorker_HandleSamplePushesIntoEngine(t *testing.T) {
	eng := &fakeEngine{}
	w, _ := newTestWorker(t, eng, make(chan Item, 1))

	w.handleSample(DecodedSample{SignalID: 1, Value: signal.FromF64(3), SignalType: signal.TypeF64, TSSystemMs: 10})

	require.Len(t, eng.pushed, 1)
	assert.Equal(t, uint32(1), eng.pushed[0].SignalID)
}

func TestWorker_HandleSampleDropsUnknownType(t *testing.T) {
	eng := &fakeEngine{}
	w, _ := newTestWorker(t, eng, make(chan Item, 1))

	w.handleSample(DecodedSample{SignalID: 1, SignalType: signal.TypeUnknown})

	assert.Empty(t, eng.pushed, "unknown-typed samples never reach the engine")
}

func TestWorker_HandleSampleReleasesInboundHintForHandleValues(t *testing.T) {
	eng := &fakeEngine{}
	w, releaser := newTestWorker(t, eng, make(chan Item, 1))

	h := signal.Handle{SignalID: 7, Value: 42}
	w.handleSample(DecodedSample{SignalID: 7, Value: signal.FromStringHandle(h), SignalType: signal.TypeStringHandle})

	require.Len(t, releaser.released, 1)
	assert.Equal(t, h, releaser.released[0])
}

func TestWorker_HandleBatchPushesEachSample(t *testing.T) {
	eng := &fakeEngine{}
	w, _ := newTestWorker(t, eng, make(chan Item, 1))

	w.handle(Item{Batch: []DecodedSample{
		{SignalID: 1, Value: signal.FromF64(1), SignalType: signal.TypeF64},
		{SignalID: 2, Value: signal.FromF64(2), SignalType: signal.TypeF64},
	}})

	assert.Len(t, eng.pushed, 2)
}

func TestWorker_HandleDTCsUpdatesStore(t *testing.T) {
	eng := &fakeEngine{}
	w, _ := newTestWorker(t, eng, make(chan Item, 1))

	w.handle(Item{DTCs: &dtc.Snapshot{TSMs: 5, Codes: []dtc.Code{{Code: "P0001"}}}})

	assert.Equal(t, uint64(5), w.dtcStore.Current().TSMs)
}

func TestWorker_DrainOnceProcessesQueuedItemsWithoutBlocking(t *testing.T) {
	eng := &fakeEngine{}
	inbound := make(chan Item, 4)
	w, _ := newTestWorker(t, eng, inbound)

	inbound <- Item{Sample: &DecodedSample{SignalID: 1, Value: signal.FromF64(1), SignalType: signal.TypeF64}}
	inbound <- Item{Sample: &DecodedSample{SignalID: 2, Value: signal.FromF64(2), SignalType: signal.TypeF64}}

	n := w.drainOnce()

	assert.Equal(t, 2, n)
	assert.Len(t, eng.pushed, 2)
}

func TestWorker_RunActivatesPendingMatrixAndTicks(t *testing.T) {
	eng := &fakeEngine{tickWait: 5}
	activated := make(chan struct{}, 1)
	matrix := &condition.Matrix{}
	w := New(eng, func(m *condition.Matrix) {
		if m == matrix {
			activated <- struct{}{}
		}
	}, &fakeSwap{pending: []*condition.Matrix{matrix}}, dtc.NewLatestStore(), &fakeReleaser{}, testMetrics(), make(chan Item, 1), 0, 1000)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-activated:
	case <-time.After(time.Second):
		t.Fatal("expected the pending matrix to be activated")
	}

	<-done
	assert.GreaterOrEqual(t, eng.ticks.Load(), int32(1), "expected at least one evaluation tick before the context expired")
}
