// Package presence tracks connected intercom clients and which of them have
// been introduced to each other through discovery.
//
// A Registry is not safe for concurrent use. The signaling hub owns one and
// calls it only from its event loop.
package presence

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultDisplayName  = "Unknown Computer"
	MaxDisplayNameRunes = 64
)

// Client is the server-side record for one registered connection.
type Client struct {
	ID            string          `json:"id"`
	DisplayName   string          `json:"displayName"`
	Address       string          `json:"address"`
	ConnectedAt   time.Time       `json:"connectedAt"`
	IsDiscovering bool            `json:"isDiscovering"`
	Meta          json.RawMessage `json:"-"`
}

// Peer is what other clients learn about a client.
type Peer struct {
	ID          string
	DisplayName string
	Address     string
}

func (c *Client) peer() Peer {
	return Peer{ID: c.ID, DisplayName: c.DisplayName, Address: c.Address}
}

// Notifier delivers presence events to connections. Implementations must not
// call back into the Registry.
type Notifier interface {
	PeerDiscovered(to string, peer Peer)
	PeerUpdated(to string, peer Peer)
	PeerLost(to string, peerID string)
}

type Stats struct {
	ConnectedClients   int
	DiscoveringClients int
	// DiscoveryGroups counts introduced-sets, one per discovering client.
	DiscoveryGroups int
}

type Registry struct {
	log    *slog.Logger
	notify Notifier
	now    func() time.Time

	clients map[string]*Client
	// order holds registration order; introductions follow it.
	order []string
	// groups maps a discovering client to the peers it has been introduced to.
	groups map[string]map[string]struct{}

	closed bool
}

func New(notify Notifier, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:     logger,
		notify:  notify,
		now:     time.Now,
		clients: make(map[string]*Client),
		groups:  make(map[string]map[string]struct{}),
	}
}

// Shutdown drops all state. Later calls on the Registry are no-ops.
func (r *Registry) Shutdown() {
	r.clients = make(map[string]*Client)
	r.order = nil
	r.groups = make(map[string]map[string]struct{})
	r.closed = true
}

// NormalizeDisplayName trims name, substitutes DefaultDisplayName when it is
// empty and caps it at MaxDisplayNameRunes.
func NormalizeDisplayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultDisplayName
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameRunes {
		name = string([]rune(name)[:MaxDisplayNameRunes])
	}
	return name
}

// Register records the connection id as a client. Registering an id again
// refreshes its name and metadata while keeping its discovery state; a name
// change is then announced like UpdateName.
func (r *Registry) Register(id, displayName, address string, meta json.RawMessage) Client {
	if r.closed {
		return Client{}
	}
	name := NormalizeDisplayName(displayName)

	if c, ok := r.clients[id]; ok {
		c.Meta = meta
		if c.DisplayName != name {
			c.DisplayName = name
			r.onNameChanged(c)
		}
		return *c
	}

	c := &Client{
		ID:          id,
		DisplayName: name,
		Address:     address,
		ConnectedAt: r.now().UTC(),
		Meta:        meta,
	}
	r.clients[id] = c
	r.order = append(r.order, id)
	r.log.Info("client registered", "client_id", id, "display_name", name, "address", address)
	return *c
}

// UpdateName renames a client and tells every discovering client about it.
// Unknown ids are ignored.
func (r *Registry) UpdateName(id, displayName string) {
	c, ok := r.clients[id]
	if !ok {
		return
	}
	old := c.DisplayName
	c.DisplayName = NormalizeDisplayName(displayName)
	r.log.Info("client renamed", "client_id", id, "old_name", old, "display_name", c.DisplayName)
	r.onNameChanged(c)
}

// Remove deletes the client after withdrawing it from discovery. Every
// discovering client receives exactly one peerLost for it.
func (r *Registry) Remove(id string) {
	c, ok := r.clients[id]
	if !ok {
		return
	}
	if c.IsDiscovering {
		r.StopDiscovery(id)
	} else {
		r.announceLost(id)
	}

	delete(r.clients, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.log.Info("client removed", "client_id", id, "display_name", c.DisplayName)
}

func (r *Registry) Get(id string) (Client, bool) {
	c, ok := r.clients[id]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// Clients returns copies of all records in registration order.
func (r *Registry) Clients() []Client {
	out := make([]Client, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.clients[id])
	}
	return out
}

func (r *Registry) Stats() Stats {
	s := Stats{ConnectedClients: len(r.clients), DiscoveryGroups: len(r.groups)}
	for _, c := range r.clients {
		if c.IsDiscovering {
			s.DiscoveringClients++
		}
	}
	return s
}
