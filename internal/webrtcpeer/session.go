package webrtcpeer

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/call"
)

// Factory opens one PeerConnection per call.
type Factory struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger
}

func (f *Factory) NewTransport(peerID string, h call.Handlers) (call.Transport, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return NewSession(f.API, f.ICEServers, logger.With("peer_id", peerID), h)
}

// Session owns a PeerConnection for a single call and forwards its events to
// the call handlers.
type Session struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	close sync.Once
	err   error
}

func NewSession(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger, h call.Handlers) (*Session, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	s := &Session{pc: pc, log: logger}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || h.OnICECandidate == nil {
			return
		}
		h.OnICECandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("peer connection state", "state", state.String())
		if h.OnConnectionStateChange != nil {
			h.OnConnectionStateChange(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.log.Info("remote track",
			"kind", track.Kind().String(),
			"codec", track.Codec().MimeType,
			"ssrc", uint32(track.SSRC()),
		)
		if h.OnTrack != nil {
			h.OnTrack(track)
		}
	})
	return s, nil
}

func (s *Session) AddTrack(track webrtc.TrackLocal) error {
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// Interceptors only run while RTCP is read off the sender.
	go s.readRTCP(sender)
	return nil
}

func (s *Session) readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.log.Debug("rtcp read ended", "err", err)
			}
			return
		}
		for _, pkt := range pkts {
			switch p := pkt.(type) {
			case *rtcp.ReceiverReport:
				for _, r := range p.Reports {
					s.log.Debug("receiver report",
						"ssrc", r.SSRC,
						"fraction_lost", r.FractionLost,
						"total_lost", r.TotalLost,
						"jitter", r.Jitter,
					)
				}
			case *rtcp.TransportLayerNack:
				s.log.Debug("rtcp nack", "media_ssrc", p.MediaSSRC, "pairs", len(p.Nacks))
			case *rtcp.Goodbye:
				s.log.Debug("rtcp goodbye", "sources", len(p.Sources))
			}
		}
	}
}

func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	return s.pc.CreateOffer(nil)
}

func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	return s.pc.CreateAnswer(nil)
}

func (s *Session) SetLocalDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetLocalDescription(desc)
}

func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(desc)
}

func (s *Session) AddICECandidate(c webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(c)
}

func (s *Session) Close() error {
	s.close.Do(func() {
		s.err = s.pc.Close()
	})
	return s.err
}
