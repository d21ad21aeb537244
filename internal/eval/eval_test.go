package eval

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline-motors/edge-agent/internal/signal"
)

type fakeSignals struct {
	values map[uint32]signal.Value
}

func (f fakeSignals) Newest(signalID uint32) (signal.Value, bool) {
	v, ok := f.values[signalID]
	return v, ok
}

type fakeWindows struct {
	queries map[WindowFunc]float64
	errFor  map[WindowFunc]bool
}

func (f fakeWindows) Query(signalID uint32, fn WindowFunc) (float64, error) {
	if f.errFor[fn] {
		return 0, ErrNotAvailableStub
	}
	return f.queries[fn], nil
}

// ErrNotAvailableStub stands in for window.ErrNotAvailable without pulling
// in the window package just for a sentinel error value in this test.
var ErrNotAvailableStub = errors.New("stub: window not available")

func newEvaluator(arena *Arena, signals fakeSignals, windows fakeWindows, maxDepth int) *Evaluator {
	return &Evaluator{
		Arena:    arena,
		Signals:  signals,
		Windows:  windows,
		Registry: NewRegistry(),
		MaxDepth: maxDepth,
	}
}

func TestEval_SignalComparison(t *testing.T) {
	arena := NewArena(4)
	sig := arena.Add(Node{Kind: NodeSignal, SignalID: 1})
	threshold := arena.Add(Node{Kind: NodeFloat, FloatValue: 100})
	root := arena.Add(Node{Kind: NodeBinary, BinOp: OpGT, Left: sig, Right: threshold})

	signals := fakeSignals{values: map[uint32]signal.Value{1: signal.FromF64(150)}}
	e := newEvaluator(arena, signals, fakeWindows{}, 10)

	v, err := e.Eval(root)
	require.NoError(t, err)
	b, err := v.AsBool()
	require.NoError(t, err)
	assert.True(t, b)
}

func TestEval_SignalNotFound(t *testing.T) {
	arena := NewArena(2)
	root := arena.Add(Node{Kind: NodeSignal, SignalID: 99})

	e := newEvaluator(arena, fakeSignals{values: map[uint32]signal.Value{}}, fakeWindows{}, 10)

	_, err := e.Eval(root)
	require.Error(t, err)
	var evalErr *Error
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, ErrSignalNotFound, evalErr.Kind)
}

func TestEval_LogicalOperatorsAreNotShortCircuiting(t *testing.T) {
	arena := NewArena(8)
	// left is a literal true, right references a missing signal (would
	// error) — OR must still evaluate (and fail on) the right side.
	trueLit := arena.Add(Node{Kind: NodeBoolean, BoolValue: true})
	missing := arena.Add(Node{Kind: NodeSignal, SignalID: 7})
	root := arena.Add(Node{Kind: NodeBinary, BinOp: OpOr, Left: trueLit, Right: missing})

	e := newEvaluator(arena, fakeSignals{values: map[uint32]signal.Value{}}, fakeWindows{}, 10)

	_, err := e.Eval(root)
	require.Error(t, err, "OR must still surface the right branch's error rather than short-circuiting on a true left branch")
}

func TestEval_EqualityUsesEpsilon(t *testing.T) {
	arena := NewArena(4)
	a := arena.Add(Node{Kind: NodeFloat, FloatValue: 1.0})
	b := arena.Add(Node{Kind: NodeFloat, FloatValue: 1.0 + 1e-12})
	root := arena.Add(Node{Kind: NodeBinary, BinOp: OpEQ, Left: a, Right: b})

	e := newEvaluator(arena, fakeSignals{}, fakeWindows{}, 10)
	v, err := e.Eval(root)
	require.NoError(t, err)
	eq, _ := v.AsBool()
	assert.True(t, eq, "values within epsilon compare equal")
}

func TestEval_DivisionByZeroPropagatesInf(t *testing.T) {
	arena := NewArena(4)
	num := arena.Add(Node{Kind: NodeFloat, FloatValue: 1})
	den := arena.Add(Node{Kind: NodeFloat, FloatValue: 0})
	root := arena.Add(Node{Kind: NodeBinary, BinOp: OpDiv, Left: num, Right: den})

	e := newEvaluator(arena, fakeSignals{}, fakeWindows{}, 10)
	v, err := e.Eval(root)
	require.NoError(t, err, "division by zero is not an evaluator error")
	assert.True(t, math.IsInf(v.Num, 1))
}

func TestEval_DepthBoundary(t *testing.T) {
	arena := NewArena(8)
	leaf := arena.Add(Node{Kind: NodeBoolean, BoolValue: true})
	not1 := arena.Add(Node{Kind: NodeUnary, UnOp: OpNot, Operand: leaf})
	not2 := arena.Add(Node{Kind: NodeUnary, UnOp: OpNot, Operand: not1})
	root := arena.Add(Node{Kind: NodeUnary, UnOp: OpNot, Operand: not2})

	e := newEvaluator(arena, fakeSignals{}, fakeWindows{}, 3)
	_, err := e.Eval(root)
	require.NoError(t, err, "three nested unary nodes fit exactly within MaxDepth=3")

	e.MaxDepth = 2
	_, err = e.Eval(root)
	require.Error(t, err)
	var evalErr *Error
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, ErrStackDepthReached, evalErr.Kind)
}

func TestEval_NilRefFails(t *testing.T) {
	arena := NewArena(2)
	root := arena.Add(Node{Kind: NodeUnary, UnOp: OpNot, Operand: NilRef})

	e := newEvaluator(arena, fakeSignals{}, fakeWindows{}, 10)
	_, err := e.Eval(root)
	require.Error(t, err)
	var evalErr *Error
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, ErrStackDepthReached, evalErr.Kind)
}

func TestEval_WindowFunctionNotAvailable(t *testing.T) {
	arena := NewArena(2)
	root := arena.Add(Node{Kind: NodeWindowFunction, SignalID: 1, WindowFn: LastAvg})

	windows := fakeWindows{errFor: map[WindowFunc]bool{LastAvg: true}}
	e := newEvaluator(arena, fakeSignals{}, windows, 10)

	_, err := e.Eval(root)
	require.Error(t, err)
	var evalErr *Error
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, ErrFunctionDataNotAvailable, evalErr.Kind)
}

type recordingFunction struct {
	invoked    bool
	lastArgs   []Value
	cleanedUp  bool
	conditions int
}

func (r *recordingFunction) Invoke(invocationID uint32, args []Value) (Value, error) {
	r.invoked = true
	r.lastArgs = args
	return floatValue(float64(len(args))), nil
}

func (r *recordingFunction) ConditionEnd(touchedSignalIDs []uint32, nowMs uint64) {
	r.conditions++
}

func (r *recordingFunction) Cleanup() { r.cleanedUp = true }

func TestEval_CustomFunctionDispatch(t *testing.T) {
	arena := NewArena(4)
	arg := arena.Add(Node{Kind: NodeFloat, FloatValue: 42})
	root := arena.Add(Node{Kind: NodeCustomFunction, FunctionName: "geohash", InvocationID: 1, ArgRefs: []Ref{arg}})

	fn := &recordingFunction{}
	registry := NewRegistry()
	registry.Register("geohash", fn)

	e := &Evaluator{Arena: arena, Signals: fakeSignals{}, Windows: fakeWindows{}, Registry: registry, MaxDepth: 10}
	v, err := e.Eval(root)
	require.NoError(t, err)
	assert.True(t, fn.invoked)
	assert.Equal(t, 1.0, v.Num)
}

func TestEval_UnknownCustomFunction(t *testing.T) {
	arena := NewArena(2)
	root := arena.Add(Node{Kind: NodeCustomFunction, FunctionName: "missing"})

	e := newEvaluator(arena, fakeSignals{}, fakeWindows{}, 10)
	_, err := e.Eval(root)
	require.Error(t, err)
	var evalErr *Error
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, ErrNotImplementedFunction, evalErr.Kind)
}
