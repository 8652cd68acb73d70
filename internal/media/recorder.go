package media

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/call"
)

type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// maxSameSecond bounds the -N suffixes tried for one peer and timestamp.
const maxSameSecond = 100

// Recorder writes each call's remote audio to <Dir>/<peer>-<time>.ogg. A
// second call with the same peer in the same second gets <peer>-<time>-1.ogg.
type Recorder struct {
	Dir    string
	Logger *slog.Logger

	now func() time.Time
}

func NewRecorder(dir string, logger *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{Dir: dir, Logger: logger, now: time.Now}, nil
}

func (r *Recorder) Play(peerID string, track *webrtc.TrackRemote) call.Playback {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return Discard{}.Play(peerID, track)
	}
	channels := track.Codec().Channels
	if channels == 0 {
		channels = 2
	}
	return r.record(peerID, channels, track)
}

func (r *Recorder) record(peerID string, channels uint16, src rtpReader) call.Playback {
	f, err := r.create(peerID)
	if err != nil {
		r.Logger.Warn("recording disabled for call", "peer_id", peerID, "err", err)
		return drain(src)
	}
	w, err := oggwriter.NewWith(f, opusClockRate, channels)
	if err != nil {
		_ = f.Close()
		r.Logger.Warn("recording disabled for call", "peer_id", peerID, "err", err)
		return drain(src)
	}
	rec := &recording{
		w:    w,
		log:  r.Logger.With("peer_id", peerID, "path", f.Name()),
		done: make(chan struct{}),
	}
	go rec.loop(src)
	return rec
}

// create opens a recording file that did not exist before.
func (r *Recorder) create(peerID string) (*os.File, error) {
	base := fmt.Sprintf("%s-%s", safeName(peerID), r.now().UTC().Format("20060102T150405"))
	for seq := 0; seq < maxSameSecond; seq++ {
		name := base + ".ogg"
		if seq > 0 {
			name = fmt.Sprintf("%s-%d.ogg", base, seq)
		}
		f, err := os.OpenFile(filepath.Join(r.Dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return f, err
	}
	return nil, fmt.Errorf("recording %s: %d files already exist", base, maxSameSecond)
}

type recording struct {
	w   *oggwriter.OggWriter
	log *slog.Logger

	mu      sync.Mutex
	closed  bool
	packets int
	lost    int
	lastSeq uint16
	done    chan struct{}
}

func (r *recording) loop(src rtpReader) {
	defer close(r.done)
	for {
		pkt, _, err := src.ReadRTP()
		if err != nil {
			r.finish()
			return
		}
		if !r.write(pkt) {
			return
		}
	}
}

func (r *recording) write(pkt *rtp.Packet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if r.packets > 0 {
		if gap := pkt.SequenceNumber - r.lastSeq - 1; gap > 0 && gap < 1<<15 {
			r.lost += int(gap)
		}
	}
	r.lastSeq = pkt.SequenceNumber
	r.packets++
	if err := r.w.WriteRTP(pkt); err != nil {
		r.log.Debug("write rtp", "err", err)
	}
	return true
}

func (r *recording) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if err := r.w.Close(); err != nil {
		r.log.Warn("close recording", "err", err)
	}
	r.log.Info("recording saved", "packets", r.packets, "lost", r.lost)
}

// Stop flushes the file. The reader goroutine exits once the track closes.
func (r *recording) Stop() {
	r.finish()
}

// Discard reads and drops remote audio so pion's receive buffers keep moving.
type Discard struct{}

func (Discard) Play(_ string, track *webrtc.TrackRemote) call.Playback {
	return drain(track)
}

type drainer struct{}

func (drainer) Stop() {}

func drain(src rtpReader) call.Playback {
	go func() {
		for {
			if _, _, err := src.ReadRTP(); err != nil {
				return
			}
		}
	}()
	return drainer{}
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
