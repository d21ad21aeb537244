// Package eval implements the depth-bounded AST interpreter that drives
// condition evaluation: signal lookups, fixed-window queries, arithmetic,
// relational/logical operators and custom-function hooks.
package eval

// NodeKind discriminates the arena-stored AST node variants.
type NodeKind uint8

const (
	NodeFloat NodeKind = iota
	NodeBoolean
	NodeSignal
	NodeWindowFunction
	NodeCustomFunction
	NodeBinary
	NodeUnary
)

// WindowFunc selects which closed-window statistic a WindowFunction node
// queries.
type WindowFunc uint8

const (
	LastAvg WindowFunc = iota
	LastMin
	LastMax
	PrevLastAvg
	PrevLastMin
	PrevLastMax
)

// BinaryOp enumerates the binary operators the grammar supports.
type BinaryOp uint8

const (
	OpLT BinaryOp = iota
	OpLE
	OpGT
	OpGE
	OpEQ
	OpNE
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpAnd
	OpOr
)

// UnaryOp enumerates the unary operators.
type UnaryOp uint8

const (
	OpNot UnaryOp = iota
)

// Ref is a stable index into a Matrix's node arena. Refs remain valid for
// the lifetime of the matrix that owns the arena.
type Ref int32

// NilRef marks an absent subtree; evaluating it returns STACK_DEPTH_REACHED
// per spec §4.4 ("hitting zero or a null subtree").
const NilRef Ref = -1

// Node is one arena entry. Only the fields relevant to Kind are populated;
// this mirrors the source's tagged-union-of-node-variants without needing
// a Go interface per node type, keeping the arena a flat, cache-friendly
// slice as spec §9 recommends ("arena of nodes plus integer indices").
type Node struct {
	Kind NodeKind

	FloatValue   float64
	BoolValue    bool
	SignalID     uint32
	WindowFn     WindowFunc
	FunctionName string
	InvocationID uint32
	ArgRefs      []Ref

	BinOp BinaryOp
	Left  Ref
	Right Ref

	UnOp    UnaryOp
	Operand Ref
}

// Arena is the flat, depth-first-preorder node storage a Matrix owns.
type Arena struct {
	nodes []Node
}

// NewArena creates an arena with room for n nodes pre-sized.
func NewArena(capacityHint int) *Arena {
	return &Arena{nodes: make([]Node, 0, capacityHint)}
}

// Add appends a node and returns its stable Ref.
func (a *Arena) Add(n Node) Ref {
	a.nodes = append(a.nodes, n)
	return Ref(len(a.nodes) - 1)
}

// Get resolves a Ref to its Node. Panics on out-of-range refs — a matrix
// builder bug, not a runtime condition — everything else goes through
// NilRef checks before reaching here.
func (a *Arena) Get(r Ref) *Node {
	return &a.nodes[r]
}

// Len reports how many nodes are stored.
func (a *Arena) Len() int { return len(a.nodes) }
