// Package localstate publishes the latest known value of every signal to
// a local Redis instance, giving an in-vehicle diagnostic tool or a
// co-located process a last-known-value view without subscribing to the
// MQTT stream.
package localstate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ridgeline-motors/edge-agent/internal/signal"
)

// Adapter wraps a go-redis client the way the teacher's Redis adapter
// does: short dial/read/write timeouts suited to a local daemon, a
// ping-on-connect health check, and a narrow Set/Publish surface rather
// than exposing the full client.
type Adapter struct {
	rdb       *redis.Client
	keyPrefix string
}

// NewAdapter dials addr and verifies connectivity with a bounded ping.
func NewAdapter(addr, password string, db int, keyPrefix string) (*Adapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("localstate: redis ping failed: %w", err)
	}

	slog.Info("localstate: redis connected", "addr", addr, "db", db)
	return &Adapter{rdb: rdb, keyPrefix: keyPrefix}, nil
}

// Close releases the underlying connection pool.
func (a *Adapter) Close() error {
	return a.rdb.Close()
}

// PublishLatest stores the newest value observed for signalID, keyed by
// the configured prefix, with a TTL so a stalled agent's last-known-value
// view ages out rather than lying forever.
func (a *Adapter) PublishLatest(ctx context.Context, signalID uint32, value signal.Value, tsMs uint64, ttl time.Duration) error {
	key := fmt.Sprintf("%s:%d", a.keyPrefix, signalID)
	f, err := value.AsFloat64()
	var payload string
	if err != nil {
		b, berr := value.AsBool()
		if berr != nil {
			return nil // handle-kind or unknown: nothing scalar to publish
		}
		payload = fmt.Sprintf("%d:%t", tsMs, b)
	} else {
		payload = fmt.Sprintf("%d:%g", tsMs, f)
	}
	return a.rdb.Set(ctx, key, payload, ttl).Err()
}
