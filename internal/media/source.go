// Package media supplies call audio without sound hardware: an Ogg/Opus file
// stands in for the microphone and remote audio is recorded to Ogg files.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	opusClockRate = 48000
	pageDuration  = 20 * time.Millisecond
)

var ErrNotOpus = errors.New("media: not an Ogg/Opus file")

// FileSource loops an Ogg/Opus file into a local audio track. The track can be
// attached to any number of calls; samples written while no call is connected
// are discarded by pion.
type FileSource struct {
	path  string
	track *webrtc.TrackLocalStaticSample
	log   *slog.Logger

	writeSample func(media.Sample) error
}

func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	_, header, err := oggreader.NewWith(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotOpus, path, err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: uint16(header.Channels)},
		"audio", "intercom",
	)
	if err != nil {
		return nil, err
	}
	logger.Info("audio source", "path", path, "channels", header.Channels, "sample_rate", header.SampleRate)
	return &FileSource{
		path:        path,
		track:       track,
		log:         logger,
		writeSample: track.WriteSample,
	}, nil
}

func (s *FileSource) Track() webrtc.TrackLocal {
	return s.track
}

// Run paces the file into the track until ctx is done, rewinding at EOF.
func (s *FileSource) Run(ctx context.Context) error {
	ticker := time.NewTicker(pageDuration)
	defer ticker.Stop()
	for {
		if err := s.playOnce(ctx, ticker); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func (s *FileSource) playOnce(ctx context.Context, ticker *time.Ticker) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotOpus, err)
	}

	var lastGranule uint64
	for {
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ogg page: %w", err)
		}
		if bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(samples) * time.Second / opusClockRate
		if duration < time.Millisecond || duration > time.Second {
			duration = pageDuration
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.writeSample(media.Sample{Data: page, Duration: duration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.log.Debug("write audio sample", "err", err)
		}
	}
}
