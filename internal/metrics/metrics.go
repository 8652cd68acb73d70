package metrics

import "sync"

// Event names counted by the signaling server.
const (
	ClientsConnected    = "clients_connected"
	ClientsRejected     = "clients_rejected"
	ClientsRegistered   = "clients_registered"
	DiscoveryStarted    = "discovery_started"
	DiscoveryStopped    = "discovery_stopped"
	PeersIntroduced     = "peers_introduced"
	MessagesRelayed     = "messages_relayed"
	RelayDroppedNoPeer  = "relay_dropped_no_target"
	RelayDroppedSelf    = "relay_dropped_self"
	ProtocolViolations  = "protocol_violations"
	RateLimited         = "rate_limited"
	SendQueueOverflow   = "send_queue_overflow"
	AuthFailures        = "auth_failures"
	OriginRejected      = "origin_rejected"
	NetworkRejected     = "network_rejected"
	ClientsDisconnected = "clients_disconnected"
)

// Metrics is a concurrency-safe counter registry keyed by event name.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
