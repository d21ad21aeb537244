package matrixsource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline-motors/edge-agent/internal/condition"
	"github.com/ridgeline-motors/edge-agent/internal/eval"
	"github.com/ridgeline-motors/edge-agent/internal/signal"
)

func TestBuild_FlattensNestedExpressionIntoSharedArena(t *testing.T) {
	dto := &matrixDTO{
		Version: "1",
		Conditions: []conditionDTO{
			{
				RootExpr: &nodeDTO{
					Kind: "binary",
					Op:   ">",
					Left: &nodeDTO{Kind: "signal", SignalID: 1},
					Right: &nodeDTO{
						Kind:  "window",
						SignalID: 1,
						WindowFn: "last_avg",
					},
				},
				Signals: []signalSpecDTO{
					{SignalID: 1, SampleBufferSize: 4, SignalType: "f64"},
				},
				MinPublishIntervalMs: 1000,
				Metadata:             metadataDTO{CampaignID: "c1"},
			},
			{
				RootExpr: &nodeDTO{Kind: "bool", Bool: true},
				Metadata: metadataDTO{CampaignID: "c2"},
				IsStatic: true,
			},
		},
	}

	m, err := build(dto)
	require.NoError(t, err)
	require.Len(t, m.Conditions, 2)

	c1 := m.Conditions[0]
	assert.Equal(t, "c1", c1.Metadata.CampaignID)
	assert.Equal(t, uint64(1000), c1.MinPublishIntervalMs)
	require.Len(t, c1.Signals, 1)

	root := m.Arena.Get(c1.RootExprRef)
	assert.Equal(t, eval.NodeBinary, root.Kind)
	assert.Equal(t, eval.OpGT, root.BinOp)

	left := m.Arena.Get(root.Left)
	assert.Equal(t, eval.NodeSignal, left.Kind)
	assert.Equal(t, uint32(1), left.SignalID)

	right := m.Arena.Get(root.Right)
	assert.Equal(t, eval.NodeWindowFunction, right.Kind)
	assert.Equal(t, eval.LastAvg, right.WindowFn)

	c2 := m.Conditions[1]
	assert.True(t, c2.IsStatic)
	assert.Equal(t, condition.KindTelemetry, c2.Kind)
}

func TestBuild_VisionSystemKind(t *testing.T) {
	dto := &matrixDTO{
		Conditions: []conditionDTO{
			{RootExpr: &nodeDTO{Kind: "bool", Bool: true}, Kind: "vision-system"},
		},
	}
	m, err := build(dto)
	require.NoError(t, err)
	assert.Equal(t, condition.KindVisionSystem, m.Conditions[0].Kind)
}

func TestBuild_UnknownNodeKindErrors(t *testing.T) {
	dto := &matrixDTO{
		Conditions: []conditionDTO{
			{RootExpr: &nodeDTO{Kind: "not-a-real-kind"}},
		},
	}
	_, err := build(dto)
	assert.Error(t, err)
}

func TestBuild_NilRootExprYieldsNilRef(t *testing.T) {
	dto := &matrixDTO{Conditions: []conditionDTO{{RootExpr: nil}}}
	m, err := build(dto)
	require.NoError(t, err)
	assert.Equal(t, eval.NilRef, m.Conditions[0].RootExprRef)
}

func TestParseSignalType_UnknownFallsBack(t *testing.T) {
	assert.Equal(t, signal.TypeUnknown, parseSignalType("not-a-real-type"))
	assert.Equal(t, signal.TypeF64, parseSignalType("f64"))
}
