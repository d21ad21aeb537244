package eval

import (
	"math"

	"github.com/ridgeline-motors/edge-agent/internal/signal"
)

// ErrorKind enumerates the evaluator's recoverable failure modes. None of
// these panic or abort; the condition state machine treats every one as
// "evaluates to false for this tick" (spec §7).
type ErrorKind uint8

const (
	ErrNone ErrorKind = iota
	ErrStackDepthReached
	ErrNotImplementedType
	ErrNotImplementedFunction
	ErrTypeMismatch
	ErrSignalNotFound
	ErrFunctionDataNotAvailable
)

func (k ErrorKind) String() string {
	switch k {
	case ErrStackDepthReached:
		return "STACK_DEPTH_REACHED"
	case ErrNotImplementedType:
		return "NOT_IMPLEMENTED_TYPE"
	case ErrNotImplementedFunction:
		return "NOT_IMPLEMENTED_FUNCTION"
	case ErrTypeMismatch:
		return "TYPE_MISMATCH"
	case ErrSignalNotFound:
		return "SIGNAL_NOT_FOUND"
	case ErrFunctionDataNotAvailable:
		return "FUNCTION_DATA_NOT_AVAILABLE"
	default:
		return "NONE"
	}
}

// Error wraps an ErrorKind so evaluator failures satisfy the error
// interface while remaining switchable by kind upstream.
type Error struct{ Kind ErrorKind }

func (e *Error) Error() string { return "eval: " + e.Kind.String() }

func fail(k ErrorKind) (Value, error) { return Value{}, &Error{Kind: k} }

// Value is the evaluator's internal result type: either a float or a bool,
// matching the two shapes relational/logical/arithmetic expressions can
// produce from a Signal Value (see internal/signal for the sample-side
// tagged union this is converted from via AsFloat64/AsBool).
type Value struct {
	IsBool bool
	Num    float64
	Bool   bool
}

func floatValue(f float64) Value { return Value{Num: f} }
func boolValue(b bool) Value     { return Value{IsBool: true, Bool: b} }

func (v Value) asFloat() (float64, error) {
	if v.IsBool {
		if v.Bool {
			return 1, nil
		}
		return 0, nil
	}
	return v.Num, nil
}

func (v Value) asBool() (bool, error) {
	if v.IsBool {
		return v.Bool, nil
	}
	return v.Num != 0, nil
}

// AsBool converts an evaluation result to bool the same way a Signal
// Value does: numeric nonzero is true, boolean is itself.
func (v Value) AsBool() (bool, error) { return v.asBool() }

// WindowSource resolves window statistics for a signal id during
// evaluation; internal/inspection binds one per active condition.
type WindowSource interface {
	Query(signalID uint32, fn WindowFunc) (float64, error)
}

// SignalSource resolves the newest sample for a signal id; returns ok=false
// when nothing has been collected yet.
type SignalSource interface {
	Newest(signalID uint32) (signal.Value, bool)
}

// CustomFunction is the registered hook contract from spec §4.4: invoke
// participates in the enclosing expression, ConditionEnd runs once per
// condition evaluation, Cleanup runs when the instance is no longer
// referenced by any condition.
type CustomFunction interface {
	Invoke(invocationID uint32, args []Value) (Value, error)
	ConditionEnd(touchedSignalIDs []uint32, nowMs uint64)
	Cleanup()
}

// Registry maps function names to registered CustomFunction instances.
type Registry struct {
	fns map[string]CustomFunction
}

// NewRegistry creates an empty custom-function registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]CustomFunction)}
}

// Register installs fn under name, replacing and cleaning up any prior
// registration.
func (r *Registry) Register(name string, fn CustomFunction) {
	if old, ok := r.fns[name]; ok {
		old.Cleanup()
	}
	r.fns[name] = fn
}

// ConditionEnd notifies every registered function that one condition's
// evaluation pass has completed.
func (r *Registry) ConditionEnd(touched []uint32, nowMs uint64) {
	for _, fn := range r.fns {
		fn.ConditionEnd(touched, nowMs)
	}
}

const epsilon = 1e-9

// Evaluator walks an Arena rooted at a condition's root ref, bounded to
// maxDepth recursive descents (spec's MAX_AST_DEPTH).
type Evaluator struct {
	Arena    *Arena
	Signals  SignalSource
	Windows  WindowSource
	Registry *Registry
	MaxDepth int
}

// Eval evaluates the subtree at root and returns it as a Value, or an
// ErrorKind-carrying error. remainingDepth starts at MaxDepth and is
// decremented on every recursive descent; spec §8 property 11 requires
// exactly MaxDepth to succeed and MaxDepth+1 to fail.
func (e *Evaluator) Eval(root Ref) (Value, error) {
	return e.eval(root, e.MaxDepth)
}

func (e *Evaluator) eval(r Ref, remainingDepth int) (Value, error) {
	if r == NilRef {
		return fail(ErrStackDepthReached)
	}
	if remainingDepth < 0 {
		return fail(ErrStackDepthReached)
	}
	n := e.Arena.Get(r)
	switch n.Kind {
	case NodeFloat:
		return floatValue(n.FloatValue), nil
	case NodeBoolean:
		return boolValue(n.BoolValue), nil
	case NodeSignal:
		v, ok := e.Signals.Newest(n.SignalID)
		if !ok {
			return fail(ErrSignalNotFound)
		}
		f, err := v.AsFloat64()
		if err != nil {
			return fail(ErrTypeMismatch)
		}
		return floatValue(f), nil
	case NodeWindowFunction:
		f, err := e.Windows.Query(n.SignalID, n.WindowFn)
		if err != nil {
			return fail(ErrFunctionDataNotAvailable)
		}
		return floatValue(f), nil
	case NodeCustomFunction:
		fn, ok := e.Registry.fns[n.FunctionName]
		if !ok {
			return fail(ErrNotImplementedFunction)
		}
		args := make([]Value, 0, len(n.ArgRefs))
		for _, ar := range n.ArgRefs {
			v, err := e.eval(ar, remainingDepth-1)
			if err != nil {
				return Value{}, err
			}
			args = append(args, v)
		}
		v, err := fn.Invoke(n.InvocationID, args)
		if err != nil {
			return fail(ErrNotImplementedFunction)
		}
		return v, nil
	case NodeBinary:
		return e.evalBinary(n, remainingDepth)
	case NodeUnary:
		return e.evalUnary(n, remainingDepth)
	default:
		return fail(ErrNotImplementedType)
	}
}

func (e *Evaluator) evalBinary(n *Node, remainingDepth int) (Value, error) {
	// Logical operators are deliberately not short-circuiting: both
	// branches are always evaluated (spec §4.4).
	left, errL := e.eval(n.Left, remainingDepth-1)
	right, errR := e.eval(n.Right, remainingDepth-1)
	if errL != nil {
		return Value{}, errL
	}
	if errR != nil {
		return Value{}, errR
	}

	switch n.BinOp {
	case OpAnd, OpOr:
		lb, err := left.asBool()
		if err != nil {
			return fail(ErrTypeMismatch)
		}
		rb, err := right.asBool()
		if err != nil {
			return fail(ErrTypeMismatch)
		}
		if n.BinOp == OpAnd {
			return boolValue(lb && rb), nil
		}
		return boolValue(lb || rb), nil
	default:
		lf, err := left.asFloat()
		if err != nil {
			return fail(ErrTypeMismatch)
		}
		rf, err := right.asFloat()
		if err != nil {
			return fail(ErrTypeMismatch)
		}
		switch n.BinOp {
		case OpLT:
			return boolValue(lf < rf), nil
		case OpLE:
			return boolValue(lf <= rf), nil
		case OpGT:
			return boolValue(lf > rf), nil
		case OpGE:
			return boolValue(lf >= rf), nil
		case OpEQ:
			return boolValue(math.Abs(lf-rf) < epsilon), nil
		case OpNE:
			return boolValue(math.Abs(lf-rf) >= epsilon), nil
		case OpAdd:
			return floatValue(lf + rf), nil
		case OpSub:
			return floatValue(lf - rf), nil
		case OpMul:
			return floatValue(lf * rf), nil
		case OpDiv:
			// Divide-by-zero propagates IEEE-754 inf/NaN; not an error
			// (spec §4.4).
			return floatValue(lf / rf), nil
		default:
			return fail(ErrNotImplementedType)
		}
	}
}

func (e *Evaluator) evalUnary(n *Node, remainingDepth int) (Value, error) {
	v, err := e.eval(n.Operand, remainingDepth-1)
	if err != nil {
		return Value{}, err
	}
	switch n.UnOp {
	case OpNot:
		b, err := v.asBool()
		if err != nil {
			return fail(ErrTypeMismatch)
		}
		return boolValue(!b), nil
	default:
		return fail(ErrNotImplementedType)
	}
}
