package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline-motors/edge-agent/internal/condition"
	"github.com/ridgeline-motors/edge-agent/internal/dtc"
	"github.com/ridgeline-motors/edge-agent/internal/signal"
)

type recordingSink struct {
	marked   []signal.Handle
	released []signal.Handle
}

func (r *recordingSink) MarkSelectedForUpload(h signal.Handle) { r.marked = append(r.marked, h) }
func (r *recordingSink) ReleaseUploadHint(h signal.Handle)     { r.released = append(r.released, h) }

func TestBuilder_HasContentAndHandleHint(t *testing.T) {
	sink := &recordingSink{}
	b := NewBuilder(condition.Metadata{CampaignID: "c1"}, condition.KindTelemetry, 1, 1000, sink)

	assert.False(t, b.HasContent())

	h := signal.Handle{SignalID: 5, Value: 9}
	b.AddSample(TypedSample{SignalID: 5, Value: signal.FromStringHandle(h), TSMs: 1000})

	assert.True(t, b.HasContent())
	require.Len(t, sink.marked, 1)
	assert.Equal(t, h, sink.marked[0])

	snap := b.Build()
	assert.Equal(t, "c1", snap.Metadata.CampaignID)
	assert.Equal(t, uint32(1), snap.EventID)
	require.Len(t, snap.CollectedSamples, 1)
}

func TestBuilder_HasContentFromDTCsOrVisionRefAlone(t *testing.T) {
	b := NewBuilder(condition.Metadata{}, condition.KindTelemetry, 1, 0, nil)
	assert.False(t, b.HasContent())

	b.AttachDTCs(dtc.Snapshot{TSMs: 1})
	assert.True(t, b.HasContent())

	b2 := NewBuilder(condition.Metadata{}, condition.KindVisionSystem, 1, 0, nil)
	b2.SetVisionRef(VisionSystemRef{ClipStartMs: 1, ClipEndMs: 2})
	assert.True(t, b2.HasContent())
}

func TestEventIDMinter_MasksTopBit(t *testing.T) {
	m := &EventIDMinter{}
	id := m.Next(0xFFFFFFFFFFFF)
	assert.Equal(t, uint32(0), id&0x80000000, "top bit is always forced zero")
}

func TestEventIDMinter_CounterIncrementsMonotonically(t *testing.T) {
	m := &EventIDMinter{}
	first := m.Next(1000)
	second := m.Next(1000)
	assert.NotEqual(t, first, second, "same timestamp still mints distinct ids via the counter")
}

func TestQueue_TryEnqueueFailsWhenFull(t *testing.T) {
	q := NewQueue(1)
	assert.True(t, q.TryEnqueue(TriggeredSnapshot{EventID: 1}))
	assert.False(t, q.TryEnqueue(TriggeredSnapshot{EventID: 2}), "queue at capacity rejects a non-blocking enqueue")

	received := <-q.Receive()
	assert.Equal(t, uint32(1), received.EventID)
}
