// Package inspection implements the Inspection Engine: the orchestrator
// that owns the ring buffer store, window aggregators, AST evaluator and
// condition set, and drives the per-tick evaluate/arm/publish pipeline
// (spec component 6, §4.5).
package inspection

import (
	"log/slog"
	"sync"

	"github.com/ridgeline-motors/edge-agent/internal/condition"
	"github.com/ridgeline-motors/edge-agent/internal/dtc"
	"github.com/ridgeline-motors/edge-agent/internal/eval"
	"github.com/ridgeline-motors/edge-agent/internal/ringbuffer"
	"github.com/ridgeline-motors/edge-agent/internal/selftrace"
	"github.com/ridgeline-motors/edge-agent/internal/signal"
	"github.com/ridgeline-motors/edge-agent/internal/snapshot"
	"github.com/ridgeline-motors/edge-agent/internal/window"
)

// Limits mirrors spec §3's fixed resource ceilings.
type Limits struct {
	MaxActiveConditions   int
	MaxDistinctSignalIDs  int
	MaxASTDepth           int
	MaxTotalSampleBytes   int
}

// DefaultLimits returns the spec-mandated ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxActiveConditions:  ringbuffer.MaxActiveConditions,
		MaxDistinctSignalIDs: 50000,
		MaxASTDepth:          10,
		MaxTotalSampleBytes:  0, // unbounded unless configured
	}
}

type conditionBindings struct {
	intervalBySignal map[uint32]uint32
	windowBySignal   map[uint32]*window.Aggregator
}

// signalSourceAdapter and windowSourceAdapter close over one condition's
// bindings so the shared eval.Evaluator can be reused per-tick without
// reallocating per condition.
type signalSourceAdapter struct {
	store    *ringbuffer.Store
	bindings *conditionBindings
}

func (a signalSourceAdapter) Newest(signalID uint32) (signal.Value, bool) {
	return a.store.Newest(signalID, a.bindings.intervalBySignal[signalID])
}

type windowSourceAdapter struct {
	bindings *conditionBindings
}

func (a windowSourceAdapter) Query(signalID uint32, fn eval.WindowFunc) (float64, error) {
	agg, ok := a.bindings.windowBySignal[signalID]
	if !ok {
		return 0, window.ErrNotAvailable
	}
	switch fn {
	case eval.LastAvg:
		return agg.LastAvg()
	case eval.LastMin:
		return agg.LastMin()
	case eval.LastMax:
		return agg.LastMax()
	case eval.PrevLastAvg:
		return agg.PrevLastAvg()
	case eval.PrevLastMin:
		return agg.PrevLastMin()
	case eval.PrevLastMax:
		return agg.PrevLastMax()
	default:
		return 0, window.ErrNotAvailable
	}
}

// Engine owns every ring buffer, window, condition and the shared AST
// arena for the currently activated matrix. It is single-threaded by
// design (spec §5): only the ingestion worker's goroutine calls its
// methods, except ActivateMatrix which may be called from a matrix-fetch
// goroutine and is guarded by mu for the atomic pointer swap.
type Engine struct {
	mu sync.Mutex

	limits   Limits
	metrics  *selftrace.Metrics
	registry *eval.Registry
	dtcs     dtc.Source
	minter   snapshot.EventIDMinter
	queue    *snapshot.Queue
	sink     HandleSink

	store     *ringbuffer.Store
	matrix    *condition.Matrix
	actives   []*condition.Active
	bindings  []*conditionBindings
	builders  map[int]*snapshot.Builder
	nextToCollect int
}

// HandleSink is the combined ring-buffer eviction and snapshot upload hint
// sink backed by the external raw-data buffer manager client.
type HandleSink interface {
	ringbuffer.HandleSink
	snapshot.HandleSink
	ReleaseQueueHint(h signal.Handle)
}

// New builds an idle engine with no activated matrix.
func New(limits Limits, metrics *selftrace.Metrics, dtcs dtc.Source, queue *snapshot.Queue, sink HandleSink) *Engine {
	return &Engine{
		limits:   limits,
		metrics:  metrics,
		registry: eval.NewRegistry(),
		dtcs:     dtcs,
		queue:    queue,
		sink:     sink,
		builders: make(map[int]*snapshot.Builder),
	}
}

// Registry exposes the custom-function registry so callers can register
// built-ins (e.g. geohash) before the first matrix activates.
func (e *Engine) Registry() *eval.Registry { return e.registry }

// ActivateMatrix replaces the active matrix, validating the spec §3
// limits. Invalid conditions/signals are skipped with a recorded
// configuration error; the matrix still activates with whatever remains
// valid (spec §7).
func (e *Engine) ActivateMatrix(m *condition.Matrix) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store != nil {
		e.store.Purge()
	}
	e.store = ringbuffer.NewStore(e.limits.MaxTotalSampleBytes, e.sink)
	e.actives = nil
	e.bindings = nil
	e.builders = make(map[int]*snapshot.Builder)
	e.nextToCollect = 0

	conditions := m.Conditions
	if len(conditions) > e.limits.MaxActiveConditions {
		e.metrics.RecordConfigError("too_many_conditions")
		conditions = conditions[:e.limits.MaxActiveConditions]
	}

	for i := range conditions {
		c := &conditions[i]
		bindings := &conditionBindings{
			intervalBySignal: make(map[uint32]uint32),
			windowBySignal:   make(map[uint32]*window.Aggregator),
		}
		valid := true
		for _, sig := range c.Signals {
			if sig.SignalID == condition.InvalidSignalID {
				e.metrics.RecordConfigError("invalid_signal_id")
				valid = false
				continue
			}
			if sig.SampleBufferSize <= 0 {
				e.metrics.RecordConfigError("sample_buffer_size_zero")
				valid = false
				continue
			}
			if sig.SignalType == signal.TypeUnknown {
				e.metrics.RecordConfigError("unknown_signal_type")
				valid = false
				continue
			}
			if e.store.DistinctSignalCount() >= e.limits.MaxDistinctSignalIDs {
				e.metrics.RecordConfigError("too_many_signal_ids")
				valid = false
				continue
			}
			bindings.intervalBySignal[sig.SignalID] = sig.MinSampleInterval
			if err := e.store.Register(ringbuffer.Spec{
				SignalID:       sig.SignalID,
				MinIntervalMs:  sig.MinSampleInterval,
				BufferSize:     sig.SampleBufferSize,
				SignalType:     sig.SignalType,
				ConditionIndex: i,
			}); err != nil {
				e.metrics.RecordConfigError("registration_failed")
				valid = false
				continue
			}
			if sig.FixedWindowPeriod > 0 {
				bindings.windowBySignal[sig.SignalID] = window.NewAggregator(sig.FixedWindowPeriod)
			}
		}
		if !valid {
			slog.Warn("inspection: condition had invalid signal specs, partially registered", "condition_index", i)
		}
		e.actives = append(e.actives, condition.NewActive(i, c))
		e.bindings = append(e.bindings, bindings)
	}

	if err := e.store.Allocate(); err != nil {
		e.metrics.RecordConfigError("memory_budget_exceeded")
		slog.Warn("inspection: memory budget exceeded during allocation", "error", err)
	}

	e.matrix = m
	e.metrics.ActiveConditions.Set(float64(len(e.actives)))
	e.metrics.DistinctSignalIDs.Set(float64(e.store.DistinctSignalCount()))

	// Static conditions resolve once, immediately, against whatever
	// (likely empty) history exists at activation time.
	for i, a := range e.actives {
		if a.Spec.IsStatic {
			result := e.evaluateCondition(i, 0)
			a.RecordResult(result)
		}
	}
}

// PushSample admits one decoded sample into the matching ring buffer and
// flags affected conditions as input-changed, per spec §4.2.
func (e *Engine) PushSample(signalID uint32, value signal.Value, tsMs uint64) {
	if e.store == nil {
		return
	}
	// Conditions sharing a (signal, interval) share one buffer, so the
	// sample is pushed once per interval and the result reused.
	admittedByInterval := make(map[uint32]bool)
	for i, bindings := range e.bindings {
		interval, ok := bindings.intervalBySignal[signalID]
		if !ok {
			continue
		}
		admitted, seen := admittedByInterval[interval]
		if !seen {
			admitted, _ = e.store.Push(signalID, interval, value, tsMs)
			admittedByInterval[interval] = admitted
		}
		if admitted {
			e.actives[i].MarkInputChanged()
			if agg, ok := bindings.windowBySignal[signalID]; ok {
				if f, err := value.AsFloat64(); err == nil {
					if agg.Observe(tsMs, f) {
						e.actives[i].MarkInputChanged()
					}
				}
			}
		}
	}
}

func (e *Engine) evaluateCondition(i int, nowMs uint64) bool {
	bindings := e.bindings[i]
	evaluator := &eval.Evaluator{
		Arena:    e.matrix.Arena,
		Signals:  signalSourceAdapter{store: e.store, bindings: bindings},
		Windows:  windowSourceAdapter{bindings: bindings},
		Registry: e.registry,
		MaxDepth: e.limits.MaxASTDepth,
	}
	v, err := evaluator.Eval(e.matrix.Conditions[i].RootExprRef)
	touched := make([]uint32, 0, len(bindings.intervalBySignal))
	for signalID := range bindings.intervalBySignal {
		touched = append(touched, signalID)
	}
	e.registry.ConditionEnd(touched, nowMs)
	if err != nil {
		if evalErr, ok := err.(*eval.Error); ok {
			switch evalErr.Kind {
			case eval.ErrSignalNotFound, eval.ErrFunctionDataNotAvailable:
				// silently false, no warning (spec §7)
			default:
				slog.Warn("inspection: evaluation error", "condition_index", i, "kind", evalErr.Kind.String())
				e.metrics.RecordEvalError(evalErr.Kind.String())
			}
		}
		return false
	}
	b, err := v.AsBool()
	if err != nil {
		return false
	}
	return b
}

// Tick runs one pass of the per-iteration order from spec §4.5 and
// returns the minimum wait-hint in milliseconds for the caller's sleep.
func (e *Engine) Tick(nowMs uint64) uint64 {
	if e.matrix == nil {
		return ^uint64(0)
	}

	// Step 1: close elapsed windows.
	for _, bindings := range e.bindings {
		for signalID, agg := range bindings.windowBySignal {
			if agg.CloseElapsed(nowMs) {
				for i, b2 := range e.bindings {
					if _, ok := b2.windowBySignal[signalID]; ok {
						e.actives[i].MarkInputChanged()
					}
				}
			}
		}
	}

	// Step 2: evaluate and arm.
	for i, a := range e.actives {
		if a.ShouldEvaluate() {
			result := e.evaluateCondition(i, nowMs)
			a.RecordResult(result)
		}
		if a.CanArm(nowMs) {
			a.Arm(nowMs)
			meta := a.Spec.Metadata
			eventID := e.minter.Next(nowMs)
			e.builders[i] = snapshot.NewBuilder(meta, a.Spec.Kind, eventID, nowMs, e.sink)
		}
	}

	// Step 3: round-robin publish sweep.
	minWait := ^uint64(0)
	n := len(e.actives)
	for c := 0; c < n; c++ {
		i := (e.nextToCollect + c) % max1(n)
		if n == 0 {
			break
		}
		a := e.actives[i]
		if a.Phase != condition.PhaseArmed {
			continue
		}
		if a.ReadyToPublish(nowMs) {
			e.publish(i, a, nowMs)
			e.nextToCollect = (i + 1) % max1(n)
		} else if w := a.RemainingWaitMs(nowMs); w < minWait {
			minWait = w
		}
	}
	if minWait == ^uint64(0) {
		return 0
	}
	return minWait
}

func max1(n int) int {
	if n == 0 {
		return 1
	}
	return n
}

func (e *Engine) publish(i int, a *condition.Active, nowMs uint64) {
	builder, ok := e.builders[i]
	if !ok {
		a.Publish()
		return
	}
	spec := a.Spec
	for _, sig := range spec.Signals {
		if sig.IsConditionOnly {
			continue
		}
		bindings := e.bindings[i]
		interval := bindings.intervalBySignal[sig.SignalID]
		samples, maxTS := e.store.IterateNewestN(sig.SignalID, interval, i, sig.SampleBufferSize, spec.SendOnlyOncePerCondition)
		for _, s := range samples {
			builder.AddSample(snapshot.TypedSample{SignalID: sig.SignalID, Value: s.Value, TSMs: s.TSMs})
		}
		if maxTS > a.LastDataTsPublished {
			a.LastDataTsPublished = maxTS
		}
	}
	if spec.IncludeActiveDTCs && e.dtcs != nil {
		builder.AttachDTCs(e.dtcs.Current())
	}

	if builder.HasContent() {
		snap := builder.Build()
		if !e.queue.TryEnqueue(snap) {
			slog.Warn("inspection: snapshot queue full, dropping", "condition_index", i)
		} else {
			e.metrics.SnapshotsEmitted.Inc()
		}
	} else {
		slog.Info("inspection: armed condition produced empty snapshot", "condition_index", i)
	}
	delete(e.builders, i)
	a.Publish()
}

// ConditionSnapshot is a read-only diagnostic view of one active
// condition's current state, independent of the diagserver package so
// inspection never needs to import it.
type ConditionSnapshot struct {
	Index         int
	CampaignID    string
	Phase         string
	CurrentlyTrue bool
	LastTriggerMs uint64
}

// Snapshot returns the current diagnostic view of every active condition.
func (e *Engine) Snapshot() []ConditionSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ConditionSnapshot, 0, len(e.actives))
	for _, a := range e.actives {
		phase := "idle"
		if a.Phase == condition.PhaseArmed {
			phase = "armed"
		}
		out = append(out, ConditionSnapshot{
			Index:         a.Index,
			CampaignID:    a.Spec.Metadata.CampaignID,
			Phase:         phase,
			CurrentlyTrue: a.CurrentlyTrue,
			LastTriggerMs: a.LastTriggerMs,
		})
	}
	return out
}

