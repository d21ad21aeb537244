package sender

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline-motors/edge-agent/internal/condition"
	"github.com/ridgeline-motors/edge-agent/internal/selftrace"
	"github.com/ridgeline-motors/edge-agent/internal/snapshot"
)

// selftrace.NewMetrics registers against the default Prometheus registry,
// so every test in this package shares one instance to avoid a duplicate
// registration panic.
var (
	testMetricsOnce sync.Once
	testMetricsVal  *selftrace.Metrics
)

func testMetrics() *selftrace.Metrics {
	testMetricsOnce.Do(func() { testMetricsVal = selftrace.NewMetrics() })
	return testMetricsVal
}

type fakePublisher struct {
	connected bool
	published [][]byte
	failNext  bool
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if f.failNext {
		f.failNext = false
		return assertErr
	}
	f.published = append(f.published, payload)
	return nil
}

func (f *fakePublisher) Connected() bool { return f.connected }

type fixedSerializer struct{ payload []byte }

func (f fixedSerializer) Serialize(snapshot.TriggeredSnapshot) ([]byte, error) {
	return f.payload, nil
}

func newTestSender(t *testing.T, pub *fakePublisher) (*Sender, *Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline.bin")
	store, err := NewStore(path)
	require.NoError(t, err)
	s := New(Config{Topic: "telemetry-data", ByteBudget: 0}, pub, fixedSerializer{payload: []byte("payload")}, store, testMetrics())
	return s, store
}

func TestSender_PersistsWhenDisconnected(t *testing.T) {
	pub := &fakePublisher{connected: false}
	s, store := newTestSender(t, pub)

	s.Send(context.Background(), snapshot.TriggeredSnapshot{EventID: 1})

	assert.Empty(t, pub.published, "never attempts a publish while disconnected")

	var got []Record
	require.NoError(t, store.Drain(func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 1, "disconnected snapshot lands in the offline store")
}

func TestSender_PublishesWhenConnected(t *testing.T) {
	pub := &fakePublisher{connected: true}
	s, _ := newTestSender(t, pub)

	s.Send(context.Background(), snapshot.TriggeredSnapshot{EventID: 1})

	require.Len(t, pub.published, 1)
	assert.Equal(t, []byte("payload"), pub.published[0])
}

func TestSender_PersistsOnPublishFailure(t *testing.T) {
	pub := &fakePublisher{connected: true, failNext: true}
	s, store := newTestSender(t, pub)

	s.Send(context.Background(), snapshot.TriggeredSnapshot{EventID: 1})

	assert.Empty(t, pub.published)
	var got []Record
	require.NoError(t, store.Drain(func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 1)
}

func TestSender_QuotaReachedPersistsInstead(t *testing.T) {
	pub := &fakePublisher{connected: true}
	path := filepath.Join(t.TempDir(), "offline.bin")
	store, err := NewStore(path)
	require.NoError(t, err)
	s := New(Config{Topic: "t", ByteBudget: 1}, pub, fixedSerializer{payload: []byte("toolong")}, store, testMetrics())

	s.Send(context.Background(), snapshot.TriggeredSnapshot{EventID: 1})

	assert.Empty(t, pub.published, "exceeds the 1-byte budget so it never publishes")
	var got []Record
	require.NoError(t, store.Drain(func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 1)
}

func TestSender_PersistedRecordSurvivesDrainWhenMetadataClaimsCompressed(t *testing.T) {
	pub := &fakePublisher{connected: false}
	path := filepath.Join(t.TempDir(), "offline.bin")
	store, err := NewStore(path)
	require.NoError(t, err)
	s := New(Config{Topic: "t"}, pub, JSONSerializer{}, store, testMetrics())

	snap := snapshot.TriggeredSnapshot{EventID: 1, Metadata: condition.Metadata{Compress: true}}
	s.Send(context.Background(), snap)

	pub.connected = true
	require.NoError(t, s.drainOnce(context.Background()), "a record must not be mistaken for already-compressed plain JSON and fail to decode")
	require.Len(t, pub.published, 1, "the persisted snapshot should have republished successfully")
}

func TestSender_DrainOnceSkipsCorruptRecordAndContinues(t *testing.T) {
	pub := &fakePublisher{connected: true}
	path := filepath.Join(t.TempDir(), "offline.bin")
	store, err := NewStore(path)
	require.NoError(t, err)
	// A record flagged compressed whose payload is not valid snappy data.
	require.NoError(t, store.Append([]byte("not-snappy-data"), true))

	s := New(Config{Topic: "t"}, pub, fixedSerializer{}, store, testMetrics())
	err = s.drainOnce(context.Background())
	require.NoError(t, err, "a corrupt record is skipped, not fatal to the drain")
	assert.Empty(t, pub.published)
}
