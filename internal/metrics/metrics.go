package metrics

import "sync"

// Counter names used across the signaling server. Keeping them in one place
// makes the Prometheus output predictable and the tests less stringly-typed.
const (
	RoomsCreated       = "rooms_created"
	RoomsDestroyed     = "rooms_destroyed"
	ParticipantsJoined = "participants_joined"
	ParticipantsLeft   = "participants_left"

	SignalsRelayed      = "signals_relayed"
	RelayDroppedGone    = "relay_dropped_target_gone"
	ChatMessages        = "chat_messages"
	MediaToggles        = "media_toggles"
	DroppedUnbound      = "dropped_unbound"
	DroppedMalformed    = "dropped_malformed"
	DroppedRateLimited  = "dropped_rate_limited"
	SendQueueOverflow   = "client_send_queue_overflow"
	ConnectionsAccepted = "connections_accepted"
	ConnectionsClosed   = "connections_closed"
)

// Metrics is a concurrency-safe counter registry.
//
// The zero value is ready to use; counters are created on first increment.
type Metrics struct {
	mu       sync.Mutex
	counters map[string]uint64
}

func New() *Metrics {
	return &Metrics{counters: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.counters == nil {
		m.counters = make(map[string]uint64)
	}
	m.counters[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Snapshot returns a copy of all counters for exposition.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}
