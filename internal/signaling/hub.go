package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/netinfo"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/presence"
)

var (
	ErrTooManyClients = errors.New("signaling: too many clients")
	ErrHubClosed      = errors.New("signaling: hub closed")
)

// Peer is a connection as seen by the hub.
type Peer struct {
	ID      string
	Address string

	queue *sendQueue
	// kick closes the connection without blocking the caller.
	kick func(code int, reason string)

	kicked bool
}

type HubConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// MaxClients caps concurrent connections. Zero means unlimited.
	MaxClients int

	// Networks lists the local networks sent to clients after register.
	// Defaults to netinfo.Local.
	Networks func() ([]netinfo.Network, error)
}

// Hub serializes every presence and relay operation onto one goroutine.
type Hub struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	max      int
	networks func() ([]netinfo.Network, error)

	events chan func()
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	// Owned by the loop goroutine.
	registry *presence.Registry
	peers    map[string]*Peer
}

func NewHub(cfg HubConfig) *Hub {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	networks := cfg.Networks
	if networks == nil {
		networks = netinfo.Local
	}
	h := &Hub{
		log:      log,
		metrics:  cfg.Metrics,
		max:      cfg.MaxClients,
		networks: networks,
		events:   make(chan func(), 256),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		peers:    make(map[string]*Peer),
	}
	h.registry = presence.New(hubNotifier{h}, log)
	go h.loop()
	return h
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case fn := <-h.events:
			fn()
		case <-h.quit:
			h.registry.Shutdown()
			for _, p := range h.peers {
				h.kickPeer(p, websocket.CloseGoingAway, "server shutting down")
			}
			h.peers = nil
			return
		}
	}
}

// Close stops the loop and disconnects every client. It is safe to call more
// than once.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.quit) })
	<-h.done
}

func (h *Hub) post(fn func()) bool {
	select {
	case h.events <- fn:
		return true
	case <-h.done:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (h *Hub) do(fn func()) bool {
	finished := make(chan struct{})
	if !h.post(func() { fn(); close(finished) }) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-h.done:
		return false
	}
}

// Connect adds a connection and sends it its welcome frame.
func (h *Hub) Connect(p *Peer) error {
	var err error
	ok := h.do(func() {
		if h.max > 0 && len(h.peers) >= h.max {
			err = ErrTooManyClients
			return
		}
		h.peers[p.ID] = p
		h.metrics.Inc(metrics.ClientsConnected)
		h.log.Info("client connected", "client_id", p.ID, "address", p.Address)
		h.send(p, Envelope{Type: KindWelcome, ID: p.ID})
	})
	if !ok {
		return ErrHubClosed
	}
	return err
}

// Deliver queues a parsed client frame for processing.
func (h *Hub) Deliver(fromID string, msg Envelope) {
	h.post(func() {
		p, ok := h.peers[fromID]
		if !ok {
			return
		}
		h.dispatch(p, msg)
	})
}

// Disconnect removes a connection. Unknown ids are ignored.
func (h *Hub) Disconnect(id string) {
	h.post(func() {
		if _, ok := h.peers[id]; !ok {
			return
		}
		delete(h.peers, id)
		h.registry.Remove(id)
		h.metrics.Inc(metrics.ClientsDisconnected)
		h.log.Info("client disconnected", "client_id", id)
	})
}

func (h *Hub) dispatch(from *Peer, msg Envelope) {
	switch msg.Type {
	case KindRegister:
		h.registry.Register(from.ID, msg.DisplayName, from.Address, msg.ClientMeta)
		h.metrics.Inc(metrics.ClientsRegistered)
		h.send(from, Envelope{Type: KindNetworkInfo, Networks: h.localNetworks()})
	case KindUpdateDeviceName:
		h.registry.UpdateName(from.ID, msg.DisplayName)
	case KindStartDiscovery:
		n := h.registry.StartDiscovery(from.ID)
		h.metrics.Inc(metrics.DiscoveryStarted)
		h.metrics.Add(metrics.PeersIntroduced, uint64(n))
	case KindStopDiscovery:
		h.registry.StopDiscovery(from.ID)
		h.metrics.Inc(metrics.DiscoveryStopped)
	case KindOffer, KindAnswer, KindICECandidate, KindCallRequest, KindCallAccepted,
		KindCallRejected, KindCallEnded, KindBusy:
		h.relay(from, msg)
	case KindWelcome, KindNetworkInfo, KindPeerDiscovered, KindPeerUpdated, KindPeerLost, KindError:
		h.log.Warn("server-only message from client", "client_id", from.ID, "type", msg.Type)
	default:
		h.log.Warn("unknown message type", "client_id", from.ID, "type", msg.Type)
	}
}

// relay forwards msg to its target. Nothing is reported back to the sender
// when the target is gone.
func (h *Hub) relay(from *Peer, msg Envelope) {
	if msg.To == from.ID {
		h.metrics.Inc(metrics.RelayDroppedSelf)
		h.log.Debug("relay to self dropped", "client_id", from.ID, "type", msg.Type)
		return
	}
	to, ok := h.peers[msg.To]
	if !ok {
		h.metrics.Inc(metrics.RelayDroppedNoPeer)
		h.log.Debug("relay target not connected", "client_id", from.ID, "peer_id", msg.To, "type", msg.Type)
		return
	}
	h.metrics.Inc(metrics.MessagesRelayed)
	h.log.Debug("relaying", "client_id", from.ID, "peer_id", msg.To, "type", msg.Type)
	h.send(to, msg.Forwarded(from.ID))
}

func (h *Hub) send(p *Peer, msg Envelope) {
	if p.kicked {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encode signaling message", "client_id", p.ID, "type", msg.Type, "err", err)
		return
	}
	if !p.queue.Enqueue(data) {
		h.metrics.Inc(metrics.SendQueueOverflow)
		h.log.Warn("send queue overflow; disconnecting client", "client_id", p.ID)
		h.kickPeer(p, websocket.CloseTryAgainLater, "send queue overflow")
	}
}

func (h *Hub) kickPeer(p *Peer, code int, reason string) {
	if p.kicked {
		return
	}
	p.kicked = true
	if p.kick != nil {
		p.kick(code, reason)
	}
}

func (h *Hub) localNetworks() []netinfo.Network {
	nets, err := h.networks()
	if err != nil {
		h.log.Warn("list local networks", "err", err)
		return []netinfo.Network{}
	}
	if nets == nil {
		return []netinfo.Network{}
	}
	return nets
}

// Stats returns registry counters.
func (h *Hub) Stats() presence.Stats {
	var s presence.Stats
	h.do(func() { s = h.registry.Stats() })
	return s
}

// Clients returns the registered clients in registration order.
func (h *Hub) Clients() []presence.Client {
	var out []presence.Client
	h.do(func() { out = h.registry.Clients() })
	return out
}

// Connections returns the number of open connections, registered or not.
func (h *Hub) Connections() int {
	var n int
	h.do(func() { n = len(h.peers) })
	return n
}

type hubNotifier struct{ h *Hub }

func (n hubNotifier) PeerDiscovered(to string, p presence.Peer) {
	n.push(to, Envelope{Type: KindPeerDiscovered, ID: p.ID, DisplayName: p.DisplayName, Address: p.Address})
}

func (n hubNotifier) PeerUpdated(to string, p presence.Peer) {
	n.push(to, Envelope{Type: KindPeerUpdated, ID: p.ID, DisplayName: p.DisplayName, Address: p.Address})
}

func (n hubNotifier) PeerLost(to string, peerID string) {
	n.push(to, Envelope{Type: KindPeerLost, ID: peerID})
}

func (n hubNotifier) push(to string, msg Envelope) {
	if p, ok := n.h.peers[to]; ok {
		n.h.send(p, msg)
	}
}
