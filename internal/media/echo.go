package media

import (
	"errors"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/call"
)

// Echo is both the local audio and the player: every RTP packet received from
// the caller is written straight back out on the local track. pion rewrites
// SSRC and payload type per binding, so packets are forwarded unchanged.
type Echo struct {
	track *webrtc.TrackLocalStaticRTP
	log   *slog.Logger

	writeRTP func(*rtp.Packet) error
}

func NewEcho(logger *slog.Logger) (*Echo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio", "intercom-echo",
	)
	if err != nil {
		return nil, err
	}
	return &Echo{track: track, log: logger, writeRTP: track.WriteRTP}, nil
}

func (e *Echo) Track() webrtc.TrackLocal {
	return e.track
}

func (e *Echo) Play(peerID string, track *webrtc.TrackRemote) call.Playback {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return drain(track)
	}
	return e.loop(peerID, track)
}

func (e *Echo) loop(peerID string, src rtpReader) call.Playback {
	pb := &echoPlayback{done: make(chan struct{})}
	go func() {
		defer close(pb.done)
		var echoed int
		for {
			pkt, _, err := src.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					e.log.Debug("echo source ended", "peer_id", peerID, "err", err)
				}
				e.log.Info("echo finished", "peer_id", peerID, "packets", echoed)
				return
			}
			if pb.stopped.Load() {
				continue
			}
			if err := e.writeRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				e.log.Debug("echo write", "peer_id", peerID, "err", err)
				continue
			}
			echoed++
		}
	}()
	return pb
}

// echoPlayback keeps draining after Stop so pion's buffers never back up; the
// goroutine exits when the remote track closes.
type echoPlayback struct {
	stopped atomic.Bool
	done    chan struct{}
}

func (p *echoPlayback) Stop() {
	p.stopped.Store(true)
}
