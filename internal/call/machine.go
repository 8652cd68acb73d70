package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/config"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/signaling"
)

type Options struct {
	Logger     *slog.Logger
	Signaler   Signaler
	Transports TransportFactory
	LocalAudio AudioSource
	Player     Player

	// Accept decides whether an inbound call from peerID is answered. Nil
	// accepts everything. A declined call is answered with callRejected.
	Accept func(peerID string) bool

	// RejectWhenBusy answers offers from a second peer with busy instead of
	// replacing the current call.
	RejectWhenBusy bool

	SetupTimeout time.Duration

	// OnStateChange and OnNotice run on the machine goroutine and must not
	// call back into Initiate or End.
	OnStateChange func(Status)
	OnNotice      func(Notice)
}

type Machine struct {
	opts  Options
	log   *slog.Logger
	inbox *inbox
	done  chan struct{}

	mu       sync.Mutex
	snapshot Status

	// Owned by the Run goroutine.
	selfID    string
	state     State
	peerID    string
	role      Role
	gen       uint64
	tr        Transport
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	playback  Playback
	timer     *time.Timer

	// localOffer is the SDP of our outstanding offer.
	localOffer string
	// crossed is set once the peer's crossed offer was ignored; candidates it
	// relayed before answering belong to the transport it dropped.
	crossed bool
}

func NewMachine(opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = config.DefaultClientSetupTimeout
	}
	return &Machine{
		opts:  opts,
		log:   opts.Logger,
		inbox: newInbox(),
		done:  make(chan struct{}),
	}
}

// Run processes the inbox until ctx is done. A call still in progress when
// Run returns is ended and the peer is told best-effort.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.drain()
			m.hangup(true)
			return
		case <-m.inbox.wake:
			m.drain()
		}
	}
}

func (m *Machine) drain() {
	for _, fn := range m.inbox.take() {
		fn()
	}
}

func (m *Machine) post(fn func()) {
	m.inbox.push(fn)
}

// do runs fn on the machine goroutine and returns its result. fn runs at most
// once, and never after do has returned an error of its own.
func (m *Machine) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	var claimed atomic.Bool
	m.post(func() {
		if !claimed.CompareAndSwap(false, true) {
			return
		}
		if err := ctx.Err(); err != nil {
			result <- err
			return
		}
		result <- fn()
	})
	select {
	case err := <-result:
		return err
	case <-m.done:
		if claimed.CompareAndSwap(false, true) {
			return ErrStopped
		}
		return <-result
	case <-ctx.Done():
		if claimed.CompareAndSwap(false, true) {
			return ctx.Err()
		}
		return <-result
	}
}

// SetSelfID records the id the coordinator assigned to this client. It breaks
// ties when both sides offer to each other at once and should be called
// before the first HandleSignal. Until it is, crossed offers are settled by
// comparing the two offer SDPs.
func (m *Machine) SetSelfID(id string) {
	m.post(func() { m.selfID = id })
}

func (m *Machine) State() State {
	return m.Status().State
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Initiate starts an outbound call and returns once the offer has been sent.
func (m *Machine) Initiate(ctx context.Context, peerID string) error {
	return m.do(ctx, func() error { return m.initiate(peerID) })
}

// End hangs up the current call. It is a no-op when idle.
func (m *Machine) End() {
	_ = m.do(context.Background(), func() error {
		m.hangup(true)
		return nil
	})
}

// HandleSignal routes a relayed frame into the machine.
func (m *Machine) HandleSignal(msg signaling.Envelope) {
	m.post(func() { m.dispatch(msg) })
}

func (m *Machine) dispatch(msg signaling.Envelope) {
	switch msg.Type {
	case signaling.KindOffer:
		m.onOffer(msg.From, msg.SDP, signaling.KindAnswer)
	case signaling.KindCallRequest:
		m.onOffer(msg.From, msg.SDP, signaling.KindCallAccepted)
	case signaling.KindAnswer, signaling.KindCallAccepted:
		m.onAnswer(msg.From, msg.SDP)
	case signaling.KindICECandidate:
		m.onCandidate(msg.From, msg.Candidate)
	case signaling.KindCallRejected:
		m.onRejected(msg.From, NoticeRejected)
	case signaling.KindBusy:
		m.onRejected(msg.From, NoticeBusy)
	case signaling.KindCallEnded:
		m.onRemoteEnded(msg.From)
	default:
		m.log.Debug("call: ignoring frame", "type", msg.Type, "from", msg.From)
	}
}

func (m *Machine) initiate(peerID string) error {
	if m.state != Idle {
		return ErrBusy
	}
	if m.opts.LocalAudio == nil {
		return ErrNoLocalAudio
	}
	if err := m.open(peerID, Initiator); err != nil {
		return m.failSetup(err, false)
	}
	offer, err := m.tr.CreateOffer()
	if err != nil {
		return m.failSetup(fmt.Errorf("create offer: %w", err), false)
	}
	if err := m.tr.SetLocalDescription(offer); err != nil {
		return m.failSetup(fmt.Errorf("set local description: %w", err), false)
	}
	if err := m.sendDescription(signaling.KindOffer, peerID, offer); err != nil {
		return m.failSetup(err, false)
	}
	m.localOffer = offer.SDP
	m.setState(Outgoing)
	m.log.Info("call offered", "peer_id", peerID)
	return nil
}

func (m *Machine) onOffer(from string, raw json.RawMessage, reply signaling.Kind) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil || desc.Type != webrtc.SDPTypeOffer {
		m.log.Warn("call: dropping malformed offer", "from", from)
		return
	}

	newCall, screen, replace := true, true, false
	switch {
	case m.state == Idle:
	case m.peerID == from && m.state == Outgoing:
		// Both sides offered at once. Exactly one side keeps its offer.
		if m.keepOwnOffer(from, desc.SDP) {
			m.log.Info("call: ignoring crossed offer", "peer_id", from)
			m.crossed = true
			return
		}
		m.release()
		screen = false
	case m.peerID == from:
		newCall = false
	case m.opts.RejectWhenBusy:
		m.log.Info("call: busy, refusing offer", "from", from, "peer_id", m.peerID)
		m.send(signaling.Envelope{Type: signaling.KindBusy, To: from})
		return
	default:
		replace = true
	}

	if newCall {
		// A declined caller never disturbs the call already in progress.
		if screen && m.opts.Accept != nil && !m.opts.Accept(from) {
			m.log.Info("call declined", "from", from)
			m.send(signaling.Envelope{Type: signaling.KindCallRejected, To: from})
			return
		}
		if replace {
			m.log.Info("call: replacing current call", "from", from, "peer_id", m.peerID)
			m.hangup(true)
		}
		if err := m.open(from, Responder); err != nil {
			_ = m.failSetup(err, true)
			return
		}
		m.setState(IncomingOffered)
		m.notice(Notice{Kind: NoticeIncoming, PeerID: from})
	}

	if err := m.setRemote(desc); err != nil {
		_ = m.failSetup(err, true)
		return
	}
	answer, err := m.tr.CreateAnswer()
	if err != nil {
		_ = m.failSetup(fmt.Errorf("create answer: %w", err), true)
		return
	}
	if err := m.tr.SetLocalDescription(answer); err != nil {
		_ = m.failSetup(fmt.Errorf("set local description: %w", err), true)
		return
	}
	if err := m.sendDescription(reply, from, answer); err != nil {
		_ = m.failSetup(err, true)
		return
	}
	if m.state != Active {
		m.setState(Connecting)
	}
}

// keepOwnOffer decides a crossed offer the same way on both sides: the
// smaller id wins, or without an id the smaller offer SDP.
func (m *Machine) keepOwnOffer(from, remoteSDP string) bool {
	if m.selfID == "" {
		m.log.Warn("call: crossed offer before self id was set", "peer_id", from)
		return m.localOffer < remoteSDP
	}
	return m.selfID < from
}

func (m *Machine) onAnswer(from string, raw json.RawMessage) {
	if m.tr == nil || m.peerID != from || m.state != Outgoing {
		m.log.Info("call: dropping answer with no pending offer", "from", from)
		return
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil || desc.Type != webrtc.SDPTypeAnswer {
		m.log.Warn("call: dropping malformed answer", "from", from)
		return
	}
	if m.crossed {
		m.log.Debug("call: dropping candidates from yielded offer", "peer_id", from, "count", len(m.pending))
		m.pending = nil
		m.crossed = false
	}
	if err := m.setRemote(desc); err != nil {
		_ = m.failSetup(err, true)
		return
	}
	m.setState(Connecting)
}

func (m *Machine) onCandidate(from string, raw json.RawMessage) {
	if m.tr == nil || m.peerID != from {
		m.log.Debug("call: dropping candidate with no transport", "from", from)
		return
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		m.log.Warn("call: dropping malformed candidate", "from", from, "err", err)
		return
	}
	if !m.remoteSet {
		m.pending = append(m.pending, cand)
		return
	}
	if err := m.tr.AddICECandidate(cand); err != nil {
		m.log.Warn("call: add candidate failed", "peer_id", from, "err", err)
	}
}

func (m *Machine) onRejected(from string, kind NoticeKind) {
	if m.state == Idle || m.peerID != from {
		return
	}
	m.release()
	m.log.Info("call refused", "peer_id", from, "reason", kind.String())
	m.notice(Notice{Kind: kind, PeerID: from})
}

func (m *Machine) onRemoteEnded(from string) {
	if m.state == Idle || m.peerID != from {
		return
	}
	m.release()
	m.log.Info("call ended by peer", "peer_id", from)
	m.notice(Notice{Kind: NoticeEndedByPeer, PeerID: from})
}

func (m *Machine) onConnectionState(gen uint64, s webrtc.PeerConnectionState) {
	if gen != m.gen {
		return
	}
	m.log.Debug("call: transport state", "peer_id", m.peerID, "state", s.String())
	switch s {
	case webrtc.PeerConnectionStateConnected:
		m.stopTimer()
		m.setState(Active)
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		peer := m.peerID
		m.hangup(true)
		m.notice(Notice{Kind: NoticeFailed, PeerID: peer, Err: fmt.Errorf("transport %s", s)})
	case webrtc.PeerConnectionStateClosed:
		m.hangup(false)
	}
}

func (m *Machine) onSetupTimeout(gen uint64) {
	if gen != m.gen || m.state == Idle || m.state == Active {
		return
	}
	peer := m.peerID
	m.log.Warn("call setup timed out", "peer_id", peer, "state", m.state.String())
	m.hangup(true)
	m.notice(Notice{Kind: NoticeFailed, PeerID: peer, Err: ErrSetupTimeout})
}

// open creates a fresh transport for peerID under a new generation.
func (m *Machine) open(peerID string, role Role) error {
	m.gen++
	gen := m.gen
	h := Handlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			m.post(func() {
				if gen == m.gen {
					m.sendCandidate(c)
				}
			})
		},
		OnConnectionStateChange: func(s webrtc.PeerConnectionState) {
			m.post(func() { m.onConnectionState(gen, s) })
		},
		OnTrack: func(track *webrtc.TrackRemote) {
			m.post(func() { m.onTrack(gen, track) })
		},
	}
	m.peerID = peerID
	m.role = role
	m.remoteSet = false
	m.pending = nil
	m.localOffer = ""
	m.crossed = false
	tr, err := m.opts.Transports.NewTransport(peerID, h)
	if err != nil {
		return fmt.Errorf("new transport: %w", err)
	}
	m.tr = tr
	if m.opts.LocalAudio != nil {
		if err := tr.AddTrack(m.opts.LocalAudio.Track()); err != nil {
			return fmt.Errorf("add local audio: %w", err)
		}
	}
	m.timer = time.AfterFunc(m.opts.SetupTimeout, func() {
		m.post(func() { m.onSetupTimeout(gen) })
	})
	return nil
}

func (m *Machine) onTrack(gen uint64, track *webrtc.TrackRemote) {
	if gen != m.gen || m.opts.Player == nil {
		return
	}
	if m.playback != nil {
		m.playback.Stop()
	}
	m.playback = m.opts.Player.Play(m.peerID, track)
}

func (m *Machine) setRemote(desc webrtc.SessionDescription) error {
	if err := m.tr.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	m.remoteSet = true
	pending := m.pending
	m.pending = nil
	for _, c := range pending {
		if err := m.tr.AddICECandidate(c); err != nil {
			m.log.Warn("call: add buffered candidate failed", "peer_id", m.peerID, "err", err)
		}
	}
	return nil
}

// failSetup aborts the call in progress and reports err.
func (m *Machine) failSetup(err error, notifyPeer bool) error {
	peer := m.peerID
	m.release()
	if notifyPeer && peer != "" {
		m.send(signaling.Envelope{Type: signaling.KindCallEnded, To: peer})
	}
	err = fmt.Errorf("%w: %w", ErrSetupFailed, err)
	m.log.Warn("call setup failed", "peer_id", peer, "err", err)
	m.notice(Notice{Kind: NoticeFailed, PeerID: peer, Err: err})
	return err
}

// hangup ends the current call. It reports whether there was one.
func (m *Machine) hangup(notifyPeer bool) bool {
	if m.state == Idle && m.tr == nil {
		return false
	}
	peer := m.peerID
	m.release()
	if notifyPeer {
		m.send(signaling.Envelope{Type: signaling.KindCallEnded, To: peer})
	}
	m.log.Info("call ended", "peer_id", peer)
	return true
}

// release retires the current generation and returns to Idle.
func (m *Machine) release() {
	m.gen++
	m.stopTimer()
	if m.playback != nil {
		m.playback.Stop()
		m.playback = nil
	}
	if m.tr != nil {
		if err := m.tr.Close(); err != nil {
			m.log.Debug("call: close transport", "err", err)
		}
		m.tr = nil
	}
	m.remoteSet = false
	m.pending = nil
	m.localOffer = ""
	m.crossed = false
	m.peerID = ""
	m.setState(Idle)
}

func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) setState(s State) {
	if s == m.state {
		return
	}
	m.state = s
	st := Status{State: s, PeerID: m.peerID, Role: m.role}
	m.mu.Lock()
	m.snapshot = st
	m.mu.Unlock()
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(st)
	}
}

func (m *Machine) notice(n Notice) {
	if m.opts.OnNotice != nil {
		m.opts.OnNotice(n)
	}
}

func (m *Machine) sendDescription(kind signaling.Kind, to string, desc webrtc.SessionDescription) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	if err := m.opts.Signaler.Send(signaling.Envelope{Type: kind, To: to, SDP: raw}); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

func (m *Machine) sendCandidate(c webrtc.ICECandidateInit) {
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	m.send(signaling.Envelope{Type: signaling.KindICECandidate, To: m.peerID, Candidate: raw})
}

// send is best-effort; the coordinator may already be gone.
func (m *Machine) send(msg signaling.Envelope) {
	if err := m.opts.Signaler.Send(msg); err != nil {
		m.log.Debug("call: signal send failed", "type", msg.Type, "to", msg.To, "err", err)
	}
}
