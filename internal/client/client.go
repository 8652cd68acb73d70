// Package client is the signaling side of the intercom client: it holds the
// websocket to the coordinator, keeps the list of discovered peers and hands
// relayed call-setup frames to a call machine.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/auth"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/config"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/netinfo"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/signaling"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

var ErrClosed = errors.New("client: connection closed")

type Peer struct {
	ID          string
	DisplayName string
	Address     string
}

type Config struct {
	ServerURL   string
	DisplayName string
	APIKey      string
	// ClientMeta is announced at register, e.g. {"userAgent": "..."}.
	ClientMeta map[string]string

	Logger *slog.Logger

	OnPeersChanged func([]Peer)
	OnNetworkInfo  func([]netinfo.Network)
}

// SignalHandler receives relayed call-setup frames. *call.Machine implements it.
type SignalHandler interface {
	HandleSignal(msg signaling.Envelope)
}

type Client struct {
	cfg Config
	log *slog.Logger
	ws  *websocket.Conn
	id  string

	writeMu sync.Mutex

	mu      sync.Mutex
	peers   map[string]Peer
	changed chan struct{}
	closed  bool
}

// Dial connects to the coordinator, waits for its welcome and registers.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{}
	if cfg.APIKey != "" {
		auth.SetCredential(header, cfg.APIKey)
	}
	ws, resp, err := dialer.DialContext(ctx, cfg.ServerURL, header)
	if err != nil {
		if resp != nil {
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			return nil, fmt.Errorf("dial %s: %w (status %d)", cfg.ServerURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.ServerURL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	ws.SetReadLimit(config.DefaultMaxSignalingMessageBytes)

	c := &Client{
		cfg:     cfg,
		log:     log,
		ws:      ws,
		peers:   make(map[string]Peer),
		changed: make(chan struct{}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	} else {
		_ = ws.SetReadDeadline(time.Now().Add(dialTimeout))
	}
	welcome, err := c.read()
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	if welcome.Type == signaling.KindError {
		_ = ws.Close()
		return nil, fmt.Errorf("coordinator refused connection: %s: %s", welcome.Code, welcome.Message)
	}
	if welcome.Type != signaling.KindWelcome {
		_ = ws.Close()
		return nil, fmt.Errorf("expected welcome, got %q", welcome.Type)
	}
	_ = ws.SetReadDeadline(time.Time{})
	c.id = welcome.ID

	if err := c.Register(); err != nil {
		_ = ws.Close()
		return nil, err
	}
	c.log.Info("connected to coordinator", "client_id", c.id, "server_url", cfg.ServerURL)
	return c, nil
}

// ID is the connection id the coordinator assigned to this client.
func (c *Client) ID() string {
	return c.id
}

func (c *Client) Register() error {
	msg := signaling.Envelope{Type: signaling.KindRegister, DisplayName: c.cfg.DisplayName}
	if len(c.cfg.ClientMeta) > 0 {
		meta, err := json.Marshal(c.cfg.ClientMeta)
		if err != nil {
			return err
		}
		msg.ClientMeta = meta
	}
	return c.Send(msg)
}

func (c *Client) UpdateName(name string) error {
	return c.Send(signaling.Envelope{Type: signaling.KindUpdateDeviceName, DisplayName: name})
}

func (c *Client) StartDiscovery() error {
	return c.Send(signaling.Envelope{Type: signaling.KindStartDiscovery})
}

// StopDiscovery also forgets every known peer; the coordinator sends nothing
// further until discovery restarts.
func (c *Client) StopDiscovery() error {
	if err := c.Send(signaling.Envelope{Type: signaling.KindStopDiscovery}); err != nil {
		return err
	}
	c.mu.Lock()
	c.peers = make(map[string]Peer)
	c.notifyLocked()
	c.mu.Unlock()
	return nil
}

// Send writes one frame. It is safe for concurrent use.
func (c *Client) Send(msg signaling.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(msg)
}

// Run reads frames until ctx is done or the connection drops. Relayed
// call-setup frames go to h.
func (c *Client) Run(ctx context.Context, h SignalHandler) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		msg, err := c.read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.markClosed()
			return err
		}
		c.handle(msg, h)
	}
}

func (c *Client) read() (signaling.Envelope, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return signaling.Envelope{}, err
	}
	if msgType != websocket.TextMessage {
		return signaling.Envelope{}, fmt.Errorf("unexpected websocket message type %d", msgType)
	}
	return signaling.ParseServerMessage(data)
}

func (c *Client) handle(msg signaling.Envelope, h SignalHandler) {
	switch msg.Type {
	case signaling.KindPeerDiscovered, signaling.KindPeerUpdated:
		c.upsertPeer(Peer{ID: msg.ID, DisplayName: msg.DisplayName, Address: msg.Address})
	case signaling.KindPeerLost:
		c.removePeer(msg.ID)
	case signaling.KindNetworkInfo:
		for _, n := range msg.Networks {
			c.log.Debug("coordinator network", "name", n.Name, "address", n.Address, "cidr", n.CIDR)
		}
		if c.cfg.OnNetworkInfo != nil {
			c.cfg.OnNetworkInfo(msg.Networks)
		}
	case signaling.KindError:
		c.log.Warn("coordinator error", "code", msg.Code, "message", msg.Message)
	default:
		if msg.Type.IsRelay() && h != nil {
			h.HandleSignal(msg)
			return
		}
		c.log.Debug("ignoring frame", "type", msg.Type)
	}
}

func (c *Client) upsertPeer(p Peer) {
	c.mu.Lock()
	old, existed := c.peers[p.ID]
	c.peers[p.ID] = p
	c.notifyLocked()
	c.mu.Unlock()

	if !existed {
		c.log.Info("peer discovered", "peer_id", p.ID, "display_name", p.DisplayName, "address", p.Address)
	} else if old.DisplayName != p.DisplayName {
		c.log.Info("peer renamed", "peer_id", p.ID, "display_name", p.DisplayName)
	}
	c.peersChanged()
}

func (c *Client) removePeer(id string) {
	c.mu.Lock()
	_, existed := c.peers[id]
	delete(c.peers, id)
	c.notifyLocked()
	c.mu.Unlock()
	if existed {
		c.log.Info("peer lost", "peer_id", id)
		c.peersChanged()
	}
}

func (c *Client) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Client) peersChanged() {
	if c.cfg.OnPeersChanged != nil {
		c.cfg.OnPeersChanged(c.Peers())
	}
}

// Peers returns the discovered peers ordered by display name.
func (c *Client) Peers() []Peer {
	c.mu.Lock()
	out := make([]Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FindPeer matches an id exactly or a display name case-insensitively.
func (c *Client) FindPeer(nameOrID string) (Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findLocked(nameOrID)
}

func (c *Client) findLocked(nameOrID string) (Peer, bool) {
	if p, ok := c.peers[nameOrID]; ok {
		return p, true
	}
	for _, p := range c.peers {
		if strings.EqualFold(p.DisplayName, nameOrID) {
			return p, true
		}
	}
	return Peer{}, false
}

// WaitForPeer blocks until a matching peer has been discovered.
func (c *Client) WaitForPeer(ctx context.Context, nameOrID string) (Peer, error) {
	for {
		c.mu.Lock()
		p, ok := c.findLocked(nameOrID)
		changed := c.changed
		closed := c.closed
		c.mu.Unlock()
		if ok {
			return p, nil
		}
		if closed {
			return Peer{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return Peer{}, ctx.Err()
		case <-changed:
		}
	}
}

func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.notifyLocked()
	}
}

// Close sends a normal close frame and drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	already := c.closed
	c.mu.Unlock()
	if !already {
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second),
		)
	}
	c.markClosed()
	return c.ws.Close()
}
