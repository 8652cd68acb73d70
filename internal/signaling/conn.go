package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// wsSession is one signaling WebSocket. run() is the reader; writeLoop and
// pingLoop run alongside it until Close.
type wsSession struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	log  *slog.Logger
	m    *metrics.Metrics

	queue   *sendQueue
	limiter *ratelimit.TokenBucket

	maxMessageBytes int64
	idleTimeout     time.Duration
	pingInterval    time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (wss *wsSession) peer(address string) *Peer {
	return &Peer{
		ID:      wss.id,
		Address: address,
		queue:   wss.queue,
		kick:    wss.kick,
	}
}

func (wss *wsSession) run() {
	defer wss.Close()

	wss.conn.SetReadLimit(wss.maxMessageBytes)
	wss.extendReadDeadline()
	wss.conn.SetPongHandler(func(string) error {
		wss.extendReadDeadline()
		return nil
	})

	go wss.writeLoop()
	go wss.pingLoop()

	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				wss.log.Debug("signaling idle timeout", "client_id", wss.id)
				wss.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		wss.extendReadDeadline()

		// The limiter is applied after the read so the frame is consumed and
		// the close frame below reaches the client instead of a TCP reset.
		if wss.limiter != nil && !wss.limiter.Allow(1) {
			wss.m.Inc(metrics.RateLimited)
			wss.fail(CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			wss.m.Inc(metrics.ProtocolViolations)
			wss.fail(CodeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := ParseClientMessage(data)
		if err != nil {
			wss.m.Inc(metrics.ProtocolViolations)
			wss.log.Debug("rejecting signaling message", "client_id", wss.id, "err", err)
			wss.fail(CodeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}
		wss.hub.Deliver(wss.id, msg)
	}
}

func (wss *wsSession) extendReadDeadline() {
	if wss.idleTimeout > 0 {
		_ = wss.conn.SetReadDeadline(time.Now().Add(wss.idleTimeout))
	}
}

func (wss *wsSession) writeLoop() {
	for {
		frame, ok := wss.queue.Dequeue()
		if !ok {
			return
		}
		if err := wss.write(frame); err != nil {
			wss.log.Debug("signaling write failed", "client_id", wss.id, "err", err)
			wss.Close()
			return
		}
	}
}

func (wss *wsSession) pingLoop() {
	if wss.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(wss.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-wss.done:
			return
		case <-ticker.C:
			if err := wss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (wss *wsSession) write(frame []byte) error {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return wss.conn.WriteMessage(websocket.TextMessage, frame)
}

// fail reports a protocol error to the client, then closes with closeCode.
func (wss *wsSession) fail(code, message string, closeCode int, closeReason string) {
	wss.queue.Close()
	data, err := json.Marshal(Envelope{Type: KindError, Code: code, Message: message})
	if err == nil {
		_ = wss.write(data)
	}
	wss.closeWith(closeCode, closeReason)
}

func (wss *wsSession) closeWith(code int, reason string) {
	_ = wss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// kick is called by the hub, which must not block on the network.
func (wss *wsSession) kick(code int, reason string) {
	wss.queue.Close()
	go func() {
		wss.closeWith(code, reason)
		wss.Close()
	}()
}

func (wss *wsSession) Close() {
	wss.closeOnce.Do(func() {
		close(wss.done)
		wss.queue.Close()
		_ = wss.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// remoteIP strips the port from an http.Request RemoteAddr.
func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
