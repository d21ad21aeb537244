// Package sender implements the Telemetry Sender / Offline Store: it
// serializes triggered snapshots, publishes over MQTT at-least-once,
// persists on disconnect or quota exhaustion, and drains the persistence
// file on reconnect (spec component 9, §4.8).
package sender

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang/snappy"

	"github.com/ridgeline-motors/edge-agent/internal/selftrace"
	"github.com/ridgeline-motors/edge-agent/internal/snapshot"
)

// Serializer turns a snapshot into wire bytes. The exact wire format is an
// external collaborator's concern (spec §6); the core only needs a byte
// buffer and its size.
type Serializer interface {
	Serialize(snapshot.TriggeredSnapshot) ([]byte, error)
}

// Publisher is the connectivity manager's publish contract, kept minimal
// so sender never depends on the MQTT client directly.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Connected() bool
}

// QuotaError describes an exhausted in-flight byte budget (spec §4.8, §7
// "QUOTA_REACHED"). Send checks the budget itself before publishing and
// persists the snapshot on overflow; it neither returns nor inspects
// QuotaError.
type QuotaError struct{}

func (QuotaError) Error() string { return "sender: publish quota reached" }

// Config tunes sender behavior.
type Config struct {
	Topic              string
	PersistencePath    string
	ByteBudget         int
	ReconnectRetryEvery time.Duration
}

// Sender owns the persistence store and the reconnect-drain loop.
type Sender struct {
	cfg        Config
	publisher  Publisher
	serializer Serializer
	store      *Store
	metrics    *selftrace.Metrics

	inFlightBytes int
}

// New builds a Sender against an already-open persistence Store.
func New(cfg Config, publisher Publisher, serializer Serializer, store *Store, metrics *selftrace.Metrics) *Sender {
	return &Sender{cfg: cfg, publisher: publisher, serializer: serializer, store: store, metrics: metrics}
}

// Send accepts a snapshot from the engine and returns immediately from the
// caller's perspective once queued for delivery (spec §4.8 "accepts a
// snapshot, returns immediately" — here synchronous but non-blocking on
// network I/O beyond a single publish attempt).
func (s *Sender) Send(ctx context.Context, snap snapshot.TriggeredSnapshot) {
	raw, err := s.serializer.Serialize(snap)
	if err != nil {
		slog.Warn("sender: serialize failed, dropping snapshot", "event_id", snap.EventID, "error", err)
		s.metrics.RecordSendError("serialize_failure")
		return
	}

	if !s.publisher.Connected() {
		s.persist(raw)
		return
	}

	if s.cfg.ByteBudget > 0 && s.inFlightBytes+len(raw) > s.cfg.ByteBudget {
		s.metrics.RecordSendError("quota_reached")
		s.persist(raw)
		return
	}

	s.inFlightBytes += len(raw)
	err = s.publisher.Publish(ctx, s.cfg.Topic, raw)
	s.inFlightBytes -= len(raw)
	if err != nil {
		slog.Warn("sender: publish failed, persisting", "event_id", snap.EventID, "error", err)
		s.metrics.RecordSendError("publish_failure")
		s.persist(raw)
		return
	}
	s.metrics.SnapshotsPublished.Inc()
}

// persist writes raw to the offline store, always compressing it here
// regardless of the snapshot's own wire-format metadata: a serializer's
// Compress flag describes what it intends for the wire, not a guarantee
// about what it already did to the bytes the sender holds, so the sender
// never trusts it as a proxy for "already compressed" (spec §4.8).
func (s *Sender) persist(raw []byte) {
	payload := snappy.Encode(nil, raw)
	if err := s.store.Append(payload, true); err != nil {
		slog.Warn("sender: persist failed, dropping record", "error", err)
		s.metrics.RecordPersistError("write_failure")
		return
	}
	s.metrics.SnapshotsPersisted.Inc()
}

// RetryLoop periodically drains the persistence file while connected,
// publishing each record in order. Records are not removed one by one:
// the file is truncated only after every record has been published, and a
// pass that stops on a publish failure leaves all records in the file,
// including those it already published, so they are sent again on the
// next pass. Stops when ctx is cancelled.
func (s *Sender) RetryLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReconnectRetryEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.publisher.Connected() {
				continue
			}
			if err := s.drainOnce(ctx); err != nil {
				slog.Warn("sender: drain failed", "error", err)
			}
		}
	}
}

func (s *Sender) drainOnce(ctx context.Context) error {
	return s.store.Drain(func(rec Record) error {
		payload := rec.Payload
		if rec.Compressed {
			decoded, err := snappy.Decode(nil, rec.Payload)
			if err != nil {
				// A single corrupt record is skipped, not fatal to the
				// rest of the drain (spec §7 "skip and continue").
				slog.Warn("sender: skipping corrupt persisted record", "error", err)
				s.metrics.RecordPersistError("decode_failure")
				return nil
			}
			payload = decoded
		}
		if err := s.publisher.Publish(ctx, s.cfg.Topic, payload); err != nil {
			return fmt.Errorf("republish: %w", err)
		}
		s.metrics.SnapshotsPublished.Inc()
		return nil
	})
}
