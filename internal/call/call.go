// Package call drives one intercom call at a time through offer/answer setup
// over the signaling relay.
//
// A Machine owns all call state on a single goroutine (Run). Public methods and
// transport callbacks only post work to its inbox, so pion callbacks never
// block and no lock guards the call itself. Every transport handle carries a
// generation number; callbacks and timers from a retired generation are
// ignored.
package call

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/signaling"
)

var (
	ErrBusy         = errors.New("call: already in a call")
	ErrNoLocalAudio = errors.New("call: no local audio source")
	ErrSetupFailed  = errors.New("call: setup failed")
	ErrSetupTimeout = errors.New("call: setup timed out")
	ErrStopped      = errors.New("call: machine stopped")
)

type State int

const (
	Idle State = iota
	Outgoing
	IncomingOffered
	Connecting
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Outgoing:
		return "outgoing"
	case IncomingOffered:
		return "incoming_offered"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Status is a snapshot of the machine.
type Status struct {
	State  State
	PeerID string
	Role   Role
}

type NoticeKind int

const (
	NoticeFailed NoticeKind = iota
	NoticeRejected
	NoticeBusy
	NoticeEndedByPeer
	NoticeIncoming
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeFailed:
		return "failed"
	case NoticeRejected:
		return "rejected"
	case NoticeBusy:
		return "busy"
	case NoticeEndedByPeer:
		return "ended_by_peer"
	case NoticeIncoming:
		return "incoming"
	default:
		return fmt.Sprintf("notice(%d)", int(k))
	}
}

// Notice tells the UI something happened to a call that it did not ask for.
type Notice struct {
	Kind   NoticeKind
	PeerID string
	Err    error
}

// Signaler sends frames to the coordinator.
type Signaler interface {
	Send(msg signaling.Envelope) error
}

// Handlers are the transport callbacks the machine installs on each handle.
// Implementations may call them from any goroutine.
type Handlers struct {
	OnICECandidate          func(webrtc.ICECandidateInit)
	OnConnectionStateChange func(webrtc.PeerConnectionState)
	OnTrack                 func(*webrtc.TrackRemote)
}

// Transport is one peer connection.
type Transport interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(cand webrtc.ICECandidateInit) error
	Close() error
}

type TransportFactory interface {
	NewTransport(peerID string, h Handlers) (Transport, error)
}

// AudioSource is the local microphone.
type AudioSource interface {
	Track() webrtc.TrackLocal
}

// Player renders remote audio for the current call.
type Player interface {
	Play(peerID string, track *webrtc.TrackRemote) Playback
}

type Playback interface {
	Stop()
}
