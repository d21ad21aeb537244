package sender

import (
	"encoding/json"

	"github.com/ridgeline-motors/edge-agent/internal/snapshot"
)

// wireSample is the outbound-snapshot shape from spec §6, JSON-encoded.
// The actual wire format is an external serializer's concern; this is a
// documented, minimal stand-in so the sender has something concrete to
// exercise compression and persistence against.
type wireSample struct {
	SignalID uint32  `json:"signal_id"`
	Kind     uint8   `json:"kind"`
	Num      float64 `json:"num,omitempty"`
	Bool     bool    `json:"bool,omitempty"`
	TSMs     uint64  `json:"ts_ms"`
}

type wireSnapshot struct {
	CampaignID string       `json:"campaign_id"`
	DecoderID  string       `json:"decoder_id"`
	Priority   int32        `json:"priority"`
	EventID    uint32       `json:"event_id"`
	TriggerTS  uint64       `json:"trigger_system_ts_ms"`
	Kind       uint8        `json:"kind"`
	Samples    []wireSample `json:"collected_samples"`
	DTCCodes   []string     `json:"active_dtcs,omitempty"`
}

// JSONSerializer implements Serializer with a plain JSON encoding of the
// outbound-snapshot contract.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(snap snapshot.TriggeredSnapshot) ([]byte, error) {
	w := wireSnapshot{
		CampaignID: snap.Metadata.CampaignID,
		DecoderID:  snap.Metadata.DecoderID,
		Priority:   snap.Metadata.Priority,
		EventID:    snap.EventID,
		TriggerTS:  snap.TriggerSystemTS,
		Kind:       uint8(snap.Kind),
	}
	for _, s := range snap.CollectedSamples {
		ws := wireSample{SignalID: s.SignalID, Kind: uint8(s.Value.Kind()), TSMs: s.TSMs}
		if f, err := s.Value.AsFloat64(); err == nil {
			ws.Num = f
		} else if b, err := s.Value.AsBool(); err == nil {
			ws.Bool = b
		}
		w.Samples = append(w.Samples, ws)
	}
	if snap.ActiveDTCs != nil {
		w.DTCCodes = snap.ActiveDTCs.CodeStrings()
	}
	return json.Marshal(w)
}
