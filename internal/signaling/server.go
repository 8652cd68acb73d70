package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/auth"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/config"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/netinfo"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/origin"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/policy"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/presence"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/ratelimit"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Origins gates browser pages. The zero Policy only admits same-host pages.
	Origins origin.Policy
	// Verifier checks the credential presented on the upgrade request. If nil,
	// every client is admitted.
	Verifier auth.Verifier
	// Clients restricts source networks. Nil admits any address.
	Clients *policy.ClientPolicy

	MaxClients int

	// WebSocket keepalive: the server pings every SignalingWSPingInterval and
	// closes connections that stay silent for SignalingWSIdleTimeout.
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	// WebSocket inbound signaling hardening.
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SendQueueBytes                int

	Networks func() ([]netinfo.Network, error)
}

// Server implements the coordinator's HTTP/WebSocket surface.
//
// Endpoints:
//   - GET /signal      : WebSocket presence, discovery and call-setup relay
//   - GET /api/status  : connected client and discovery group counts
//   - GET /api/clients : registered clients
type Server struct {
	cfg      Config
	log      *slog.Logger
	hub      *Hub
	started  time.Time
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Networks == nil {
		cfg.Networks = netinfo.Local
	}
	s := &Server{
		cfg:     cfg,
		log:     log,
		started: time.Now(),
		hub: NewHub(HubConfig{
			Logger:     log,
			Metrics:    cfg.Metrics,
			MaxClients: cfg.MaxClients,
			Networks:   cfg.Networks,
		}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			_, ok := s.cfg.Origins.Check(r)
			return ok
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleWebSocketSignal)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/clients", s.handleClients)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Hub exposes the event loop for metrics gauges.
func (s *Server) Hub() *Hub { return s.hub }

// Close disconnects every client and stops the hub.
func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) idleTimeout() time.Duration {
	if s.cfg.SignalingWSIdleTimeout <= 0 {
		return config.DefaultSignalingWSIdleTimeout
	}
	return s.cfg.SignalingWSIdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.SignalingWSPingInterval <= 0 {
		return config.DefaultSignalingWSPingInterval
	}
	return s.cfg.SignalingWSPingInterval
}

func (s *Server) maxSignalingMessageBytes() int64 {
	if s.cfg.MaxSignalingMessageBytes <= 0 {
		return config.DefaultMaxSignalingMessageBytes
	}
	return s.cfg.MaxSignalingMessageBytes
}

func (s *Server) maxSignalingMessagesPerSecond() int {
	if s.cfg.MaxSignalingMessagesPerSecond <= 0 {
		return config.DefaultMaxSignalingMessagesPerSecond
	}
	return s.cfg.MaxSignalingMessagesPerSecond
}

func (s *Server) sendQueueBytes() int {
	if s.cfg.SendQueueBytes <= 0 {
		return config.DefaultSignalingSendQueueBytes
	}
	return s.cfg.SendQueueBytes
}

func (s *Server) handleWebSocketSignal(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.cfg.Origins.Check(r); !ok {
		s.cfg.Metrics.Inc(metrics.OriginRejected)
		writeJSONError(w, http.StatusForbidden, "forbidden_origin", "origin not allowed")
		return
	}
	if err := s.cfg.Clients.AllowString(remoteIP(r.RemoteAddr)); err != nil {
		s.cfg.Metrics.Inc(metrics.NetworkRejected)
		s.log.Warn("signaling connection refused", "remote_addr", r.RemoteAddr, "err", err)
		writeJSONError(w, http.StatusForbidden, "forbidden_network", "source network not allowed")
		return
	}
	if s.cfg.Verifier != nil {
		if err := s.cfg.Verifier.Verify(auth.CredentialFromRequest(r)); err != nil {
			s.cfg.Metrics.Inc(metrics.AuthFailures)
			msg := "invalid credentials"
			if errors.Is(err, auth.ErrMissingCredentials) {
				msg = "missing credentials"
			}
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", msg)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := uuid.NewString()
	wss := &wsSession{
		id:   id,
		conn: conn,
		hub:  s.hub,
		log:  s.log.With("client_id", id),
		m:    s.cfg.Metrics,

		queue:   newSendQueue(s.sendQueueBytes()),
		limiter: ratelimit.NewMessageLimiter(ratelimit.RealClock{}, s.maxSignalingMessagesPerSecond()),

		maxMessageBytes: s.maxSignalingMessageBytes(),
		idleTimeout:     s.idleTimeout(),
		pingInterval:    s.pingInterval(),

		done: make(chan struct{}),
	}

	if err := s.hub.Connect(wss.peer(remoteIP(r.RemoteAddr))); err != nil {
		if errors.Is(err, ErrTooManyClients) {
			s.cfg.Metrics.Inc(metrics.ClientsRejected)
			wss.fail(CodeTooManyClients, "too many clients", websocket.CloseTryAgainLater, "too many clients")
		} else {
			wss.closeWith(websocket.CloseGoingAway, "server shutting down")
		}
		wss.Close()
		return
	}
	defer s.hub.Disconnect(id)
	wss.run()
}

// Status is the body of GET /api/status.
type Status struct {
	ConnectedClients   int               `json:"connectedClients"`
	DiscoveringClients int               `json:"discoveringClients"`
	DiscoveryGroups    int               `json:"discoveryGroups"`
	UptimeSeconds      int64             `json:"uptimeSeconds"`
	LocalNetworks      []netinfo.Network `json:"localNetworks"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.hub.Stats()
	nets, err := s.cfg.Networks()
	if err != nil {
		s.log.Warn("list local networks", "err", err)
	}
	if nets == nil {
		nets = []netinfo.Network{}
	}
	writeJSON(w, http.StatusOK, Status{
		ConnectedClients:   stats.ConnectedClients,
		DiscoveringClients: stats.DiscoveringClients,
		DiscoveryGroups:    stats.DiscoveryGroups,
		UptimeSeconds:      int64(time.Since(s.started).Seconds()),
		LocalNetworks:      nets,
	})
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	clients := s.hub.Clients()
	if clients == nil {
		clients = []presence.Client{}
	}
	writeJSON(w, http.StatusOK, clients)
}

type httpErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, httpErrorResponse{Code: code, Message: message})
}
