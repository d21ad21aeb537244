// Package snapshot builds and queues TriggeredSnapshot payloads handed
// from the inspection engine to the telemetry sender.
package snapshot

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/ridgeline-motors/edge-agent/internal/condition"
	"github.com/ridgeline-motors/edge-agent/internal/dtc"
	"github.com/ridgeline-motors/edge-agent/internal/signal"
)

// TypedSample is one collected sample in collected-samples order.
type TypedSample struct {
	SignalID uint32
	Value    signal.Value
	TSMs     uint64
}

// VisionSystemRef is a camera-clip handle attached when a condition's
// kind is vision-system, per SPEC_FULL's StreamForwarder-grounded
// supplement.
type VisionSystemRef struct {
	Handle      signal.Handle
	ClipStartMs uint64
	ClipEndMs   uint64
}

// TriggeredSnapshot is the payload emitted when a condition fires.
type TriggeredSnapshot struct {
	Metadata         condition.Metadata
	EventID          uint32 // 31 bits, MSB forced zero
	TriggerSystemTS  uint64
	CollectedSamples []TypedSample
	ActiveDTCs       *dtc.Snapshot
	Kind             condition.SnapshotKind
	VisionRef        *VisionSystemRef
}

// IntegrityDigest returns a sha256 digest of the snapshot's stable fields,
// an optional integrity check the sender can log alongside a publish
// failure; it is not part of the wire contract.
func (s *TriggeredSnapshot) IntegrityDigest() [32]byte {
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:4], s.EventID)
	h.Write(buf[:4])
	binary.LittleEndian.PutUint64(buf[:8], s.TriggerSystemTS)
	h.Write(buf[:8])
	for _, sample := range s.CollectedSamples {
		binary.LittleEndian.PutUint32(buf[:4], sample.SignalID)
		h.Write(buf[:4])
		binary.LittleEndian.PutUint64(buf[:8], sample.TSMs)
		h.Write(buf[:8])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HandleSink receives "selected for upload" usage hints for handle-kind
// samples included in a snapshot, per spec §4.6.
type HandleSink interface {
	ReleaseUploadHint(h signal.Handle)
	MarkSelectedForUpload(h signal.Handle)
}

// Builder accumulates one in-progress snapshot for an armed condition.
type Builder struct {
	metadata   condition.Metadata
	kind       condition.SnapshotKind
	eventID    uint32
	triggerTS  uint64
	samples    []TypedSample
	dtcs       *dtc.Snapshot
	visionRef  *VisionSystemRef
	sink       HandleSink
}

// NewBuilder starts a new snapshot builder for an armed condition.
func NewBuilder(meta condition.Metadata, kind condition.SnapshotKind, eventID uint32, triggerTS uint64, sink HandleSink) *Builder {
	return &Builder{metadata: meta, kind: kind, eventID: eventID, triggerTS: triggerTS, sink: sink}
}

// AddSample appends one collected sample, issuing an upload usage hint if
// it carries a handle.
func (b *Builder) AddSample(s TypedSample) {
	b.samples = append(b.samples, s)
	if s.Value.Kind().IsHandle() && b.sink != nil {
		b.sink.MarkSelectedForUpload(s.Value.Handle())
	}
}

// SetVisionRef attaches a vision-system clip reference.
func (b *Builder) SetVisionRef(ref VisionSystemRef) { b.visionRef = &ref }

// AttachDTCs attaches the current DTC snapshot once per condition.
func (b *Builder) AttachDTCs(snap dtc.Snapshot) { b.dtcs = &snap }

// HasContent reports whether the builder accumulated anything worth
// publishing for heartbeat-visibility purposes (spec §4.6 fail-open rule).
func (b *Builder) HasContent() bool {
	return len(b.samples) > 0 || b.dtcs != nil || b.visionRef != nil
}

// Build finalizes the snapshot.
func (b *Builder) Build() TriggeredSnapshot {
	return TriggeredSnapshot{
		Metadata:         b.metadata,
		EventID:          b.eventID,
		TriggerSystemTS:  b.triggerTS,
		CollectedSamples: b.samples,
		ActiveDTCs:       b.dtcs,
		Kind:             b.kind,
		VisionRef:        b.visionRef,
	}
}

// EventIDMinter produces the 31-bit event ids spec §4.6 describes:
// `((counter++) | (now_ms << 8)) & 0x7FFF_FFFF`, top bit forced zero.
type EventIDMinter struct {
	counter uint32
}

// Next mints the next event id given the current wall-clock millisecond.
func (m *EventIDMinter) Next(nowMs uint64) uint32 {
	m.counter++
	raw := uint32(m.counter) | uint32(nowMs<<8)
	return raw & 0x7FFFFFFF
}

// Queue is the bounded single-producer/single-consumer channel handing
// completed snapshots from the engine to the sender (spec component 8).
type Queue struct {
	ch chan TriggeredSnapshot
}

// NewQueue creates a bounded snapshot queue of the given capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan TriggeredSnapshot, capacity)}
}

// TryEnqueue attempts a non-blocking send; returns false if the queue is
// full. The inspection engine logs a warning and drops the snapshot in
// that case; there is no setting that makes it block instead.
func (q *Queue) TryEnqueue(s TriggeredSnapshot) bool {
	select {
	case q.ch <- s:
		return true
	default:
		return false
	}
}

// Enqueue blocks until the snapshot is accepted by the channel. The
// inspection engine does not call it; it always uses TryEnqueue.
func (q *Queue) Enqueue(s TriggeredSnapshot) {
	q.ch <- s
}

// Receive exposes the consumer side for the sender's drain loop.
func (q *Queue) Receive() <-chan TriggeredSnapshot {
	return q.ch
}
