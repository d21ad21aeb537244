// Package condition models the Inspection Matrix input contract and the
// per-condition runtime state machine (Condition Set, spec component 5).
package condition

import (
	"github.com/ridgeline-motors/edge-agent/internal/eval"
	"github.com/ridgeline-motors/edge-agent/internal/signal"
)

// Metadata travels unopened through the core into the outbound snapshot.
type Metadata struct {
	CampaignID  string
	DecoderID   string
	Priority    int32
	Compress    bool
	Persist     bool
	CampaignARN string
}

// SignalSpec describes one signal a condition references.
type SignalSpec struct {
	SignalID          uint32
	SampleBufferSize  int
	MinSampleInterval uint32
	FixedWindowPeriod uint32
	IsConditionOnly   bool
	SignalType        signal.Type
}

// SnapshotKind distinguishes the two triggered-snapshot shapes spec §3
// names.
type SnapshotKind uint8

const (
	KindTelemetry SnapshotKind = iota
	KindVisionSystem
)

// Condition is one frozen, read-only rule from an activated matrix.
type Condition struct {
	RootExprRef           eval.Ref
	Signals               []SignalSpec
	MinPublishIntervalMs  uint64
	AfterDurationMs       uint64
	TriggerOnlyOnRisingEdge bool
	IncludeActiveDTCs     bool
	AlwaysEvaluate        bool
	IsStatic              bool
	SendOnlyOncePerCondition bool
	Kind                  SnapshotKind
	Metadata              Metadata
}

// Matrix is the frozen, read-only set of conditions plus the shared AST
// arena they reference. References into Arena are stable for the matrix's
// lifetime (spec §3).
type Matrix struct {
	Conditions []Condition
	Arena      *eval.Arena
}

// InvalidSignalID is the sentinel rejected at registration time.
const InvalidSignalID uint32 = 0xFFFFFFFF
