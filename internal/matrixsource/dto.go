// Package matrixsource supplies the InspectionMatrix client-side contract:
// a MatrixSource interface plus a file-based and a gRPC-based
// implementation, standing in for the out-of-scope collection-scheme
// manager collaborator (spec §1, §6).
package matrixsource

import (
	"fmt"

	"github.com/ridgeline-motors/edge-agent/internal/condition"
	"github.com/ridgeline-motors/edge-agent/internal/eval"
	"github.com/ridgeline-motors/edge-agent/internal/signal"
)

// nodeDTO is the nested, human-editable AST representation used by the
// local YAML persistence format. It is flattened into an eval.Arena by
// build() — the arena itself is never serialized directly.
type nodeDTO struct {
	Kind         string     `yaml:"kind" json:"kind"`
	Float        float64    `yaml:"float,omitempty" json:"float,omitempty"`
	Bool         bool       `yaml:"bool,omitempty" json:"bool,omitempty"`
	SignalID     uint32     `yaml:"signal_id,omitempty" json:"signal_id,omitempty"`
	WindowFn     string     `yaml:"window_fn,omitempty" json:"window_fn,omitempty"`
	FunctionName string     `yaml:"function_name,omitempty" json:"function_name,omitempty"`
	InvocationID uint32     `yaml:"invocation_id,omitempty" json:"invocation_id,omitempty"`
	Args         []*nodeDTO `yaml:"args,omitempty" json:"args,omitempty"`
	Op           string     `yaml:"op,omitempty" json:"op,omitempty"`
	Left         *nodeDTO   `yaml:"left,omitempty" json:"left,omitempty"`
	Right        *nodeDTO   `yaml:"right,omitempty" json:"right,omitempty"`
	Operand      *nodeDTO   `yaml:"operand,omitempty" json:"operand,omitempty"`
}

type signalSpecDTO struct {
	SignalID          uint32 `yaml:"signal_id"`
	SampleBufferSize  int    `yaml:"sample_buffer_size"`
	MinSampleInterval uint32 `yaml:"min_sample_interval_ms"`
	FixedWindowPeriod uint32 `yaml:"fixed_window_period_ms"`
	IsConditionOnly   bool   `yaml:"is_condition_only"`
	SignalType        string `yaml:"signal_type"`
}

type metadataDTO struct {
	CampaignID  string `yaml:"campaign_id"`
	DecoderID   string `yaml:"decoder_id"`
	Priority    int32  `yaml:"priority"`
	Compress    bool   `yaml:"compress"`
	Persist     bool   `yaml:"persist"`
	CampaignARN string `yaml:"campaign_arn,omitempty"`
}

type conditionDTO struct {
	RootExpr                *nodeDTO    `yaml:"root_expr"`
	Signals                 []signalSpecDTO `yaml:"signals"`
	MinPublishIntervalMs    uint64      `yaml:"min_publish_interval_ms"`
	AfterDurationMs         uint64      `yaml:"after_duration_ms"`
	TriggerOnlyOnRisingEdge bool        `yaml:"trigger_only_on_rising_edge"`
	IncludeActiveDTCs       bool        `yaml:"include_active_dtcs"`
	AlwaysEvaluate          bool        `yaml:"always_evaluate"`
	IsStatic                bool        `yaml:"is_static"`
	SendOnlyOncePerCondition bool       `yaml:"send_only_once_per_condition"`
	Kind                    string      `yaml:"kind,omitempty"`
	Metadata                metadataDTO `yaml:"metadata"`
}

type matrixDTO struct {
	Version    string         `yaml:"version"`
	Conditions []conditionDTO `yaml:"conditions"`
}

func parseSignalType(s string) signal.Type {
	switch s {
	case "u8":
		return signal.TypeU8
	case "i8":
		return signal.TypeI8
	case "u16":
		return signal.TypeU16
	case "i16":
		return signal.TypeI16
	case "u32":
		return signal.TypeU32
	case "i32":
		return signal.TypeI32
	case "u64":
		return signal.TypeU64
	case "i64":
		return signal.TypeI64
	case "f32":
		return signal.TypeF32
	case "f64":
		return signal.TypeF64
	case "bool":
		return signal.TypeBool
	case "string-handle":
		return signal.TypeStringHandle
	case "complex-handle":
		return signal.TypeComplexHandle
	default:
		return signal.TypeUnknown
	}
}

func parseWindowFn(s string) (eval.WindowFunc, error) {
	switch s {
	case "last_avg":
		return eval.LastAvg, nil
	case "last_min":
		return eval.LastMin, nil
	case "last_max":
		return eval.LastMax, nil
	case "prev_last_avg":
		return eval.PrevLastAvg, nil
	case "prev_last_min":
		return eval.PrevLastMin, nil
	case "prev_last_max":
		return eval.PrevLastMax, nil
	default:
		return 0, fmt.Errorf("matrixsource: unknown window function %q", s)
	}
}

func parseBinOp(s string) (eval.BinaryOp, error) {
	switch s {
	case "<":
		return eval.OpLT, nil
	case "<=":
		return eval.OpLE, nil
	case ">":
		return eval.OpGT, nil
	case ">=":
		return eval.OpGE, nil
	case "==":
		return eval.OpEQ, nil
	case "!=":
		return eval.OpNE, nil
	case "+":
		return eval.OpAdd, nil
	case "-":
		return eval.OpSub, nil
	case "*":
		return eval.OpMul, nil
	case "/":
		return eval.OpDiv, nil
	case "and":
		return eval.OpAnd, nil
	case "or":
		return eval.OpOr, nil
	default:
		return 0, fmt.Errorf("matrixsource: unknown binary operator %q", s)
	}
}

// build flattens a matrixDTO into a condition.Matrix backed by a single
// shared eval.Arena, the shape spec §3 requires ("node-storage arena
// holding all AST nodes ... references into the arena are stable").
func build(dto *matrixDTO) (*condition.Matrix, error) {
	arena := eval.NewArena(64)
	conditions := make([]condition.Condition, 0, len(dto.Conditions))

	for _, cdto := range dto.Conditions {
		root, err := addNode(arena, cdto.RootExpr)
		if err != nil {
			return nil, fmt.Errorf("matrixsource: condition %q: %w", cdto.Metadata.CampaignID, err)
		}
		specs := make([]condition.SignalSpec, 0, len(cdto.Signals))
		for _, s := range cdto.Signals {
			specs = append(specs, condition.SignalSpec{
				SignalID:          s.SignalID,
				SampleBufferSize:  s.SampleBufferSize,
				MinSampleInterval: s.MinSampleInterval,
				FixedWindowPeriod: s.FixedWindowPeriod,
				IsConditionOnly:   s.IsConditionOnly,
				SignalType:        parseSignalType(s.SignalType),
			})
		}
		kind := condition.KindTelemetry
		if cdto.Kind == "vision-system" {
			kind = condition.KindVisionSystem
		}
		conditions = append(conditions, condition.Condition{
			RootExprRef:              root,
			Signals:                  specs,
			MinPublishIntervalMs:     cdto.MinPublishIntervalMs,
			AfterDurationMs:          cdto.AfterDurationMs,
			TriggerOnlyOnRisingEdge:  cdto.TriggerOnlyOnRisingEdge,
			IncludeActiveDTCs:        cdto.IncludeActiveDTCs,
			AlwaysEvaluate:           cdto.AlwaysEvaluate,
			IsStatic:                 cdto.IsStatic,
			SendOnlyOncePerCondition: cdto.SendOnlyOncePerCondition,
			Kind:                     kind,
			Metadata: condition.Metadata{
				CampaignID:  cdto.Metadata.CampaignID,
				DecoderID:   cdto.Metadata.DecoderID,
				Priority:    cdto.Metadata.Priority,
				Compress:    cdto.Metadata.Compress,
				Persist:     cdto.Metadata.Persist,
				CampaignARN: cdto.Metadata.CampaignARN,
			},
		})
	}

	return &condition.Matrix{Conditions: conditions, Arena: arena}, nil
}

func addNode(arena *eval.Arena, n *nodeDTO) (eval.Ref, error) {
	if n == nil {
		return eval.NilRef, nil
	}
	switch n.Kind {
	case "float":
		return arena.Add(eval.Node{Kind: eval.NodeFloat, FloatValue: n.Float}), nil
	case "bool":
		return arena.Add(eval.Node{Kind: eval.NodeBoolean, BoolValue: n.Bool}), nil
	case "signal":
		return arena.Add(eval.Node{Kind: eval.NodeSignal, SignalID: n.SignalID}), nil
	case "window":
		fn, err := parseWindowFn(n.WindowFn)
		if err != nil {
			return eval.NilRef, err
		}
		return arena.Add(eval.Node{Kind: eval.NodeWindowFunction, SignalID: n.SignalID, WindowFn: fn}), nil
	case "custom":
		args := make([]eval.Ref, 0, len(n.Args))
		for _, a := range n.Args {
			r, err := addNode(arena, a)
			if err != nil {
				return eval.NilRef, err
			}
			args = append(args, r)
		}
		return arena.Add(eval.Node{Kind: eval.NodeCustomFunction, FunctionName: n.FunctionName, InvocationID: n.InvocationID, ArgRefs: args}), nil
	case "not":
		operand, err := addNode(arena, n.Operand)
		if err != nil {
			return eval.NilRef, err
		}
		return arena.Add(eval.Node{Kind: eval.NodeUnary, UnOp: eval.OpNot, Operand: operand}), nil
	case "binary":
		op, err := parseBinOp(n.Op)
		if err != nil {
			return eval.NilRef, err
		}
		left, err := addNode(arena, n.Left)
		if err != nil {
			return eval.NilRef, err
		}
		right, err := addNode(arena, n.Right)
		if err != nil {
			return eval.NilRef, err
		}
		return arena.Add(eval.Node{Kind: eval.NodeBinary, BinOp: op, Left: left, Right: right}), nil
	default:
		return eval.NilRef, fmt.Errorf("matrixsource: unknown node kind %q", n.Kind)
	}
}
