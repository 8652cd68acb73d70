package call

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/signaling"
)

type fakeTransport struct {
	mu         sync.Mutex
	peerID     string
	offerSDP   string
	h          Handlers
	tracks     int
	local      []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     int
}

func (t *fakeTransport) AddTrack(webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks++
	return nil
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	sdp := t.offerSDP
	if sdp == "" {
		sdp = "v=0..."
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (t *fakeTransport) SetLocalDescription(d webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = append(t.local, d)
	return nil
}

func (t *fakeTransport) SetRemoteDescription(d webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = append(t.remote, d)
	return nil
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTransport) candidateCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.candidates)
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
	offerSDP   string
}

func (f *fakeFactory) NewTransport(peerID string, h Handlers) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{peerID: peerID, offerSDP: f.offerSDP, h: h}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

type fakeAudio struct{}

func (fakeAudio) Track() webrtc.TrackLocal { return nil }

type recordingSignaler struct {
	mu      sync.Mutex
	sent    []signaling.Envelope
	forward func(signaling.Envelope)
}

func (s *recordingSignaler) Send(msg signaling.Envelope) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	fwd := s.forward
	s.mu.Unlock()
	if fwd != nil {
		fwd(msg)
	}
	return nil
}

func (s *recordingSignaler) ofType(kind signaling.Kind) []signaling.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signaling.Envelope
	for _, msg := range s.sent {
		if msg.Type == kind {
			out = append(out, msg)
		}
	}
	return out
}

type harness struct {
	m       *Machine
	sig     *recordingSignaler
	factory *fakeFactory

	mu      sync.Mutex
	notices []Notice
}

func newHarness(t *testing.T, selfID string, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{sig: &recordingSignaler{}, factory: &fakeFactory{}}
	opts := Options{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Signaler:   h.sig,
		Transports: h.factory,
		LocalAudio: fakeAudio{},
		OnNotice: func(n Notice) {
			h.mu.Lock()
			h.notices = append(h.notices, n)
			h.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.m = NewMachine(opts)
	h.m.SetSelfID(selfID)

	ctx, cancel := context.WithCancel(context.Background())
	go h.m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.m.done
	})
	return h
}

// sync waits until everything posted so far has been processed.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.m.do(ctx, func() error { return nil }); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func (h *harness) noticeKinds() []NoticeKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []NoticeKind
	for _, n := range h.notices {
		out = append(out, n.Kind)
	}
	return out
}

func waitState(t *testing.T, m *Machine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state=%s, want %s", m.State(), want)
}

func offerFrom(from string) signaling.Envelope {
	return signaling.Envelope{Type: signaling.KindOffer, From: from, SDP: json.RawMessage(`{"type":"offer","sdp":"v=0..."}`)}
}

func offerWithSDP(from, sdp string) signaling.Envelope {
	raw, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	return signaling.Envelope{Type: signaling.KindOffer, From: from, SDP: raw}
}

func answerFrom(from string) signaling.Envelope {
	return signaling.Envelope{Type: signaling.KindAnswer, From: from, SDP: json.RawMessage(`{"type":"answer","sdp":"v=0 answer"}`)}
}

func candidateFrom(from string) signaling.Envelope {
	return signaling.Envelope{Type: signaling.KindICECandidate, From: from, Candidate: json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.2 5000 typ host","sdpMid":"0","sdpMLineIndex":0}`)}
}

func TestInitiate_OutgoingThenActive(t *testing.T) {
	h := newHarness(t, "A-1", nil)

	if err := h.m.Initiate(context.Background(), "B-123"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if got := h.m.State(); got != Outgoing {
		t.Fatalf("state=%s, want outgoing", got)
	}

	offers := h.sig.ofType(signaling.KindOffer)
	if len(offers) != 1 || offers[0].To != "B-123" {
		t.Fatalf("offers=%+v", offers)
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(offers[0].SDP, &desc); err != nil {
		t.Fatalf("offer sdp: %v", err)
	}
	if desc.Type != webrtc.SDPTypeOffer || desc.SDP != "v=0..." {
		t.Fatalf("offer=%+v", desc)
	}
	if tr := h.factory.last(); tr.tracks != 1 || tr.peerID != "B-123" {
		t.Fatalf("transport=%+v", tr)
	}

	h.m.HandleSignal(answerFrom("B-123"))
	waitState(t, h.m, Connecting)

	h.factory.last().h.OnConnectionStateChange(webrtc.PeerConnectionStateConnected)
	waitState(t, h.m, Active)
	if st := h.m.Status(); st.PeerID != "B-123" || st.Role != Initiator {
		t.Fatalf("status=%+v", st)
	}
}

func TestTwoMachinesReachActive(t *testing.T) {
	a := newHarness(t, "A-1", nil)
	b := newHarness(t, "B-123", nil)
	a.sig.forward = func(msg signaling.Envelope) {
		msg.From, msg.To = "A-1", ""
		b.m.HandleSignal(msg)
	}
	b.sig.forward = func(msg signaling.Envelope) {
		msg.From, msg.To = "B-123", ""
		a.m.HandleSignal(msg)
	}

	if err := a.m.Initiate(context.Background(), "B-123"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	waitState(t, b.m, Connecting)
	waitState(t, a.m, Connecting)

	if kinds := b.noticeKinds(); len(kinds) != 1 || kinds[0] != NoticeIncoming {
		t.Fatalf("b notices=%v", kinds)
	}

	a.factory.last().h.OnConnectionStateChange(webrtc.PeerConnectionStateConnected)
	b.factory.last().h.OnConnectionStateChange(webrtc.PeerConnectionStateConnected)
	waitState(t, a.m, Active)
	waitState(t, b.m, Active)

	a.m.End()
	waitState(t, b.m, Idle)
	if kinds := b.noticeKinds(); kinds[len(kinds)-1] != NoticeEndedByPeer {
		t.Fatalf("b notices=%v", kinds)
	}
	// A remote hangup is not echoed back.
	if ended := b.sig.ofType(signaling.KindCallEnded); len(ended) != 0 {
		t.Fatalf("b sent callEnded: %+v", ended)
	}
}

func TestEnd_Idempotent(t *testing.T) {
	h := newHarness(t, "A-1", nil)
	if err := h.m.Initiate(context.Background(), "B-123"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	h.m.End()
	h.m.End()

	if got := h.m.State(); got != Idle {
		t.Fatalf("state=%s, want idle", got)
	}
	if ended := h.sig.ofType(signaling.KindCallEnded); len(ended) != 1 || ended[0].To != "B-123" {
		t.Fatalf("callEnded=%+v, want exactly one", ended)
	}
	if n := h.factory.last().closeCount(); n != 1 {
		t.Fatalf("transport closed %d times", n)
	}
}

func TestCandidateWithoutTransportIsDropped(t *testing.T) {
	h := newHarness(t, "A-1", nil)

	h.m.HandleSignal(candidateFrom("B-123"))
	h.sync(t)

	if got := h.m.State(); got != Idle {
		t.Fatalf("state=%s, want idle", got)
	}
	if h.factory.count() != 0 {
		t.Fatal("candidate created a transport")
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	h := newHarness(t, "A-1", nil)
	if err := h.m.Initiate(context.Background(), "B-123"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	tr := h.factory.last()

	h.m.HandleSignal(candidateFrom("B-123"))
	h.m.HandleSignal(candidateFrom("C-9"))
	h.sync(t)
	if n := tr.candidateCount(); n != 0 {
		t.Fatalf("candidates applied before answer: %d", n)
	}

	h.m.HandleSignal(answerFrom("B-123"))
	h.m.HandleSignal(candidateFrom("B-123"))
	h.sync(t)
	if n := tr.candidateCount(); n != 2 {
		t.Fatalf("candidates=%d, want 2", n)
	}
}

func TestLocalCandidatesRelayedForCurrentGenerationOnly(t *testing.T) {
	h := newHarness(t, "A-1", nil)
	if err := h.m.Initiate(context.Background(), "B-123"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	tr := h.factory.last()
	tr.h.OnICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"})
	h.sync(t)
	if c := h.sig.ofType(signaling.KindICECandidate); len(c) != 1 || c[0].To != "B-123" {
		t.Fatalf("candidates=%+v", c)
	}

	h.m.End()
	tr.h.OnICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 10.0.0.1 5001 typ host"})
	tr.h.OnConnectionStateChange(webrtc.PeerConnectionStateConnected)
	h.sync(t)
	if c := h.sig.ofType(signaling.KindICECandidate); len(c) != 1 {
		t.Fatalf("stale candidate relayed: %+v", c)
	}
	if got := h.m.State(); got != Idle {
		t.Fatalf("stale callback moved state to %s", got)
	}
}

func TestInitiate_Errors(t *testing.T) {
	h := newHarness(t, "A-1", func(o *Options) { o.LocalAudio = nil })
	if err := h.m.Initiate(context.Background(), "B-123"); !errors.Is(err, ErrNoLocalAudio) {
		t.Fatalf("err=%v, want ErrNoLocalAudio", err)
	}
	if h.factory.count() != 0 {
		t.Fatal("transport created without local audio")
	}

	h = newHarness(t, "A-1", nil)
	if err := h.m.Initiate(context.Background(), "B-123"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := h.m.Initiate(context.Background(), "C-9"); !errors.Is(err, ErrBusy) {
		t.Fatalf("err=%v, want ErrBusy", err)
	}

	h = newHarness(t, "A-1", nil)
	h.factory.err = errors.New("no ice agent")
	err := h.m.Initiate(context.Background(), "B-123")
	if !errors.Is(err, ErrSetupFailed) {
		t.Fatalf("err=%v, want ErrSetupFailed", err)
	}
	if got := h.m.State(); got != Idle {
		t.Fatalf("state=%s, want idle", got)
	}
	if kinds := h.noticeKinds(); len(kinds) != 1 || kinds[0] != NoticeFailed {
		t.Fatalf("notices=%v", kinds)
	}
}

func TestOffer_BusyWhenStrict(t *testing.T) {
	h := newHarness(t, "A-1", func(o *Options) { o.RejectWhenBusy = true })
	if err := h.m.Initiate(context.Background(), "B-123"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	h.m.HandleSignal(offerFrom("C-9"))
	h.sync(t)

	if busy := h.sig.ofType(signaling.KindBusy); len(busy) != 1 || busy[0].To != "C-9" {
		t.Fatalf("busy=%+v", busy)
	}
	if st := h.m.Status(); st.State != Outgoing || st.PeerID != "B-123" {
		t.Fatalf("status=%+v", st)
	}
	if h.factory.count() != 1 {
		t.Fatalf("transports=%d, want 1", h.factory.count())
	}
}

func TestOffer_ReplacesCallWhenPermissive(t *testing.T) {
	h := newHarness(t, "A-1", nil)
	if err := h.m.Initiate(context.Background(), "B-123"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	first := h.factory.last()

	h.m.HandleSignal(offerFrom("C-9"))
	h.sync(t)

	if ended := h.sig.ofType(signaling.KindCallEnded); len(ended) != 1 || ended[0].To != "B-123" {
		t.Fatalf("callEnded=%+v", ended)
	}
	if answers := h.sig.ofType(signaling.KindAnswer); len(answers) != 1 || answers[0].To != "C-9" {
		t.Fatalf("answers=%+v", answers)
	}
	if first.closeCount() != 1 {
		t.Fatal("previous transport not closed")
	}
	if st := h.m.Status(); st.State != Connecting || st.PeerID != "C-9" || st.Role != Responder {
		t.Fatalf("status=%+v", st)
	}
}

func TestOffer_CrossedOffersResolveToOneCall(t *testing.T) {
	// The larger id yields and answers.
	h := newHarness(t, "B-123", nil)
	if err := h.m.Initiate(context.Background(), "A-1"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	h.m.HandleSignal(offerFrom("A-1"))
	h.sync(t)
	if answers := h.sig.ofType(signaling.KindAnswer); len(answers) != 1 {
		t.Fatalf("answers=%+v", answers)
	}
	if st := h.m.Status(); st.State != Connecting || st.Role != Responder {
		t.Fatalf("status=%+v", st)
	}

	// The smaller id keeps its offer.
	h = newHarness(t, "A-1", nil)
	if err := h.m.Initiate(context.Background(), "B-123"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	h.m.HandleSignal(offerFrom("B-123"))
	h.sync(t)
	if answers := h.sig.ofType(signaling.KindAnswer); len(answers) != 0 {
		t.Fatalf("answers=%+v", answers)
	}
	if st := h.m.Status(); st.State != Outgoing || st.Role != Initiator {
		t.Fatalf("status=%+v", st)
	}
}

func TestOffer_DeclinedByAcceptPolicy(t *testing.T) {
	h := newHarness(t, "A-1", func(o *Options) {
		o.Accept = func(peerID string) bool { return peerID != "C-9" }
	})

	h.m.HandleSignal(offerFrom("C-9"))
	h.sync(t)
	if rejected := h.sig.ofType(signaling.KindCallRejected); len(rejected) != 1 || rejected[0].To != "C-9" {
		t.Fatalf("callRejected=%+v", rejected)
	}
	if h.m.State() != Idle || h.factory.count() != 0 {
		t.Fatal("declined offer started a call")
	}
}

func TestCallRequestAnsweredWithCallAccepted(t *testing.T) {
	h := newHarness(t, "A-1", nil)
	h.m.HandleSignal(signaling.Envelope{Type: signaling.KindCallRequest, From: "B-123", SDP: json.RawMessage(`{"type":"offer","sdp":"v=0..."}`)})
	h.sync(t)
	if acc := h.sig.ofType(signaling.KindCallAccepted); len(acc) != 1 || acc[0].To != "B-123" {
		t.Fatalf("callAccepted=%+v", acc)
	}
}

func TestRejectedAndBusyReturnToIdle(t *testing.T) {
	for _, tc := range []struct {
		kind   signaling.Kind
		notice NoticeKind
	}{
		{signaling.KindCallRejected, NoticeRejected},
		{signaling.KindBusy, NoticeBusy},
	} {
		t.Run(string(tc.kind), func(t *testing.T) {
			h := newHarness(t, "A-1", nil)
			if err := h.m.Initiate(context.Background(), "B-123"); err != nil {
				t.Fatalf("Initiate: %v", err)
			}
			h.m.HandleSignal(signaling.Envelope{Type: tc.kind, From: "C-9"})
			h.sync(t)
			if h.m.State() != Outgoing {
				t.Fatal("refusal from another peer ended the call")
			}

			h.m.HandleSignal(signaling.Envelope{Type: tc.kind, From: "B-123"})
			h.sync(t)
			if h.m.State() != Idle {
				t.Fatalf("state=%s, want idle", h.m.State())
			}
			if kinds := h.noticeKinds(); len(kinds) != 1 || kinds[0] != tc.notice {
				t.Fatalf("notices=%v", kinds)
			}
		})
	}
}

func TestTransportFailureEndsCall(t *testing.T) {
	h := newHarness(t, "A-1", nil)
	if err := h.m.Initiate(context.Background(), "B-123"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	h.m.HandleSignal(answerFrom("B-123"))
	h.factory.last().h.OnConnectionStateChange(webrtc.PeerConnectionStateConnected)
	waitState(t, h.m, Active)

	h.factory.last().h.OnConnectionStateChange(webrtc.PeerConnectionStateFailed)
	waitState(t, h.m, Idle)
	if ended := h.sig.ofType(signaling.KindCallEnded); len(ended) != 1 {
		t.Fatalf("callEnded=%+v", ended)
	}
}

func TestSetupTimeout(t *testing.T) {
	h := newHarness(t, "A-1", func(o *Options) { o.SetupTimeout = 50 * time.Millisecond })
	if err := h.m.Initiate(context.Background(), "B-123"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	waitState(t, h.m, Idle)
	h.sync(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.notices) != 1 || !errors.Is(h.notices[0].Err, ErrSetupTimeout) {
		t.Fatalf("notices=%+v", h.notices)
	}
	if ended := h.sig.ofType(signaling.KindCallEnded); len(ended) != 1 {
		t.Fatalf("callEnded=%+v", ended)
	}
}

func TestInitiate_CancelledContextStartsNothing(t *testing.T) {
	h := newHarness(t, "A-1", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.m.Initiate(ctx, "B-123"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	h.sync(t)
	if got := h.m.State(); got != Idle {
		t.Fatalf("state=%s, want idle", got)
	}
	if offers := h.sig.ofType(signaling.KindOffer); len(offers) != 0 {
		t.Fatalf("offer sent for cancelled call: %+v", offers)
	}
	if h.factory.count() != 0 {
		t.Fatal("cancelled call created a transport")
	}

	if err := h.m.Initiate(context.Background(), "B-123"); err != nil {
		t.Fatalf("Initiate after cancel: %v", err)
	}
}

func TestOffer_DeclinedCallerLeavesActiveCall(t *testing.T) {
	h := newHarness(t, "A-1", func(o *Options) {
		o.Accept = func(peerID string) bool { return peerID != "C-9" }
	})
	if err := h.m.Initiate(context.Background(), "B-123"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	h.m.HandleSignal(answerFrom("B-123"))
	h.factory.last().h.OnConnectionStateChange(webrtc.PeerConnectionStateConnected)
	waitState(t, h.m, Active)

	h.m.HandleSignal(offerFrom("C-9"))
	h.sync(t)

	if st := h.m.Status(); st.State != Active || st.PeerID != "B-123" {
		t.Fatalf("status=%+v", st)
	}
	if ended := h.sig.ofType(signaling.KindCallEnded); len(ended) != 0 {
		t.Fatalf("callEnded=%+v", ended)
	}
	if rejected := h.sig.ofType(signaling.KindCallRejected); len(rejected) != 1 || rejected[0].To != "C-9" {
		t.Fatalf("callRejected=%+v", rejected)
	}
	if h.factory.count() != 1 || h.factory.last().closeCount() != 0 {
		t.Fatal("declined offer touched the active transport")
	}
}

func TestOffer_CrossedOffersWithoutSelfIDCompareSDP(t *testing.T) {
	// Our offer is "v=0...". A smaller remote offer wins.
	h := newHarness(t, "", nil)
	if err := h.m.Initiate(context.Background(), "B-123"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	h.m.HandleSignal(offerWithSDP("B-123", "v=0 a"))
	h.sync(t)
	if answers := h.sig.ofType(signaling.KindAnswer); len(answers) != 1 {
		t.Fatalf("answers=%+v", answers)
	}
	if st := h.m.Status(); st.State != Connecting || st.Role != Responder {
		t.Fatalf("status=%+v", st)
	}

	h = newHarness(t, "", nil)
	if err := h.m.Initiate(context.Background(), "B-123"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	h.m.HandleSignal(offerWithSDP("B-123", "v=0~"))
	h.sync(t)
	if answers := h.sig.ofType(signaling.KindAnswer); len(answers) != 0 {
		t.Fatalf("answers=%+v", answers)
	}
	if st := h.m.Status(); st.State != Outgoing || st.Role != Initiator {
		t.Fatalf("status=%+v", st)
	}
}

func TestTwoMachinesCrossedOffersWithoutSelfID(t *testing.T) {
	a := newHarness(t, "", nil)
	b := newHarness(t, "", nil)
	a.factory.offerSDP = "v=0 a"
	b.factory.offerSDP = "v=0 b"

	if err := a.m.Initiate(context.Background(), "B-123"); err != nil {
		t.Fatalf("a Initiate: %v", err)
	}
	if err := b.m.Initiate(context.Background(), "A-1"); err != nil {
		t.Fatalf("b Initiate: %v", err)
	}
	offerA := a.sig.ofType(signaling.KindOffer)[0]
	offerB := b.sig.ofType(signaling.KindOffer)[0]
	offerA.From, offerA.To = "A-1", ""
	offerB.From, offerB.To = "B-123", ""

	a.sig.forward = func(msg signaling.Envelope) {
		msg.From, msg.To = "A-1", ""
		b.m.HandleSignal(msg)
	}
	b.sig.forward = func(msg signaling.Envelope) {
		msg.From, msg.To = "B-123", ""
		a.m.HandleSignal(msg)
	}

	// The relay keeps each sender's frames in order, so A sees B's offer
	// before anything B sends after yielding.
	a.m.HandleSignal(offerB)
	a.sync(t)
	b.m.HandleSignal(offerA)

	waitState(t, b.m, Connecting)
	waitState(t, a.m, Connecting)
	if st := a.m.Status(); st.Role != Initiator || st.PeerID != "B-123" {
		t.Fatalf("a status=%+v", st)
	}
	if st := b.m.Status(); st.Role != Responder || st.PeerID != "A-1" {
		t.Fatalf("b status=%+v", st)
	}
	if answers := a.sig.ofType(signaling.KindAnswer); len(answers) != 0 {
		t.Fatalf("a answered too: %+v", answers)
	}
}

func TestOffer_CrossedOfferDropsCandidatesFromYieldedTransport(t *testing.T) {
	h := newHarness(t, "A-1", nil)
	if err := h.m.Initiate(context.Background(), "B-123"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	tr := h.factory.last()

	h.m.HandleSignal(offerFrom("B-123"))
	h.m.HandleSignal(candidateFrom("B-123"))
	h.m.HandleSignal(answerFrom("B-123"))
	h.m.HandleSignal(candidateFrom("B-123"))
	h.sync(t)

	if st := h.m.Status(); st.State != Connecting || st.Role != Initiator {
		t.Fatalf("status=%+v", st)
	}
	if n := tr.candidateCount(); n != 1 {
		t.Fatalf("candidates=%d, want only the one sent after the answer", n)
	}
}
