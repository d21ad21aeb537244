// Package connectivity implements the Connectivity Manager: one MQTT
// session shared by the sender and the external campaign collaborator,
// with lifecycle events, re-subscription and exponential backoff on the
// first connection attempt (spec component 10, §4.9).
package connectivity

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"
)

// LifecycleEvent enumerates the states spec §4.9 requires the manager to
// emit.
type LifecycleEvent uint8

const (
	EventAttempting LifecycleEvent = iota
	EventSuccess
	EventFailure
	EventInterrupted
	EventResumed
	EventStopped
)

func (e LifecycleEvent) String() string {
	switch e {
	case EventAttempting:
		return "attempting"
	case EventSuccess:
		return "success"
	case EventFailure:
		return "failure"
	case EventInterrupted:
		return "interrupted"
	case EventResumed:
		return "resumed"
	case EventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Lifecycle is one emitted event, with optional detail fields.
type Lifecycle struct {
	Event     LifecycleEvent
	Rejoined  bool
	Code      byte
	Reason    string
}

// Config tunes the MQTT session per spec §4.9.
type Config struct {
	BrokerURL      string
	ClientID       string
	KeepAlive      time.Duration
	SessionExpiry  time.Duration
	PingTimeout    time.Duration
	StartBackoff   time.Duration
	MaxBackoff     time.Duration
	TLSConfig      *tls.Config
}

// Receiver is a subscribed handler for one topic.
type Receiver struct {
	Topic   string
	QoS     byte
	Handler mqtt.MessageHandler
}

// Manager owns the paho client and the receiver table needed to
// re-subscribe on a non-rejoined reconnect.
type Manager struct {
	cfg       Config
	client    mqtt.Client
	receivers []Receiver

	mu        sync.RWMutex
	connected bool

	events chan Lifecycle
}

// NewManager builds a Manager; Connect must be called to start the
// session. receivers are subscribed on every successful connect, including
// connects where the broker resumed a prior session (see onConnect).
func NewManager(cfg Config, receivers []Receiver) *Manager {
	m := &Manager{cfg: cfg, receivers: receivers, events: make(chan Lifecycle, 32)}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.KeepAlive).
		SetPingTimeout(cfg.PingTimeout).
		SetCleanSession(cfg.SessionExpiry <= 0).
		SetAutoReconnect(true).
		SetConnectRetry(false). // backoff is handled by Connect's own retry loop
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(m.onConnectionLost).
		SetReconnectingHandler(m.onReconnecting)
	if cfg.TLSConfig != nil {
		opts.SetTLSConfig(cfg.TLSConfig)
	}
	m.client = mqtt.NewClient(opts)
	return m
}

// Events exposes the lifecycle channel for the sender/engine to observe
// without blocking the MQTT callback goroutine (spec §5: "callbacks must
// not block; they signal ... via non-blocking notifications").
func (m *Manager) Events() <-chan Lifecycle {
	return m.events
}

func (m *Manager) emit(l Lifecycle) {
	select {
	case m.events <- l:
	default:
		slog.Warn("connectivity: lifecycle event dropped, channel full", "event", l.Event.String())
	}
}

func (m *Manager) onConnect(client mqtt.Client) {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()

	// SessionPresent is only knowable from the underlying CONNACK; paho
	// exposes it indirectly via the token from Connect, so re-subscribe
	// unconditionally here and let QoS-granted logging downstream no-op
	// on duplicates. The explicit rejoined flag is reported by Connect's
	// own CONNACK token instead.
	for _, r := range m.receivers {
		if token := client.Subscribe(r.Topic, r.QoS, r.Handler); token.Wait() && token.Error() != nil {
			slog.Warn("connectivity: subscribe failed", "topic", r.Topic, "error", token.Error())
		}
	}
	m.emit(Lifecycle{Event: EventResumed})
}

func (m *Manager) onConnectionLost(client mqtt.Client, err error) {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	m.emit(Lifecycle{Event: EventInterrupted, Reason: err.Error()})
}

func (m *Manager) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	m.emit(Lifecycle{Event: EventAttempting})
}

// Connect performs the first connection attempt with exponential backoff
// between StartBackoff and MaxBackoff (spec §4.9), honoring ctx
// cancellation between attempts.
func (m *Manager) Connect(ctx context.Context) error {
	backoff := m.cfg.StartBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	maxBackoff := m.cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Every(backoff), 1)
	limiter.Allow() // spend the initial burst token so the first retry waits StartBackoff

	for {
		m.emit(Lifecycle{Event: EventAttempting})
		token := m.client.Connect()
		token.Wait()
		if token.Error() == nil {
			sessionPresent := false
			if ct, ok := token.(*mqtt.ConnectToken); ok {
				sessionPresent = ct.SessionPresent()
			}
			m.emit(Lifecycle{Event: EventSuccess, Rejoined: sessionPresent})
			return nil
		}

		m.emit(Lifecycle{Event: EventFailure, Reason: token.Error().Error()})
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("connectivity: connect cancelled: %w", err)
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			limiter.SetLimit(rate.Every(backoff))
		}
	}
}

// Publish implements internal/sender.Publisher.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) error {
	token := m.client.Publish(topic, 1, false, payload)
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return token.Error()
	}
}

// Connected reports the manager's current connection state.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Stop disconnects gracefully, sending the MQTT disconnect packet and
// bounding the wait so an unreachable broker cannot hang shutdown (spec
// §5).
func (m *Manager) Stop(quiesce time.Duration) {
	m.client.Disconnect(uint(quiesce.Milliseconds()))
	m.emit(Lifecycle{Event: EventStopped})
}
