package media

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	webrtcmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/rs/zerolog/log"

	"github.com/skillswap/meetcore/internal/core"
)

// FileAcquirer plays a prerecorded IVF file as the local video track.
// Used by headless participants; no capture hardware involved.
type FileAcquirer struct {
	Path string
}

func NewFileAcquirer(path string) *FileAcquirer {
	return &FileAcquirer{Path: path}
}

func (a *FileAcquirer) Acquire(_ context.Context, kind core.SessionKind) (Stream, error) {
	if kind != core.VideoSession {
		return nil, Classify(errors.New("file playback provides video only"))
	}

	file, err := os.Open(a.Path)
	if err != nil {
		return nil, Classify(err)
	}

	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, Classify(err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "meetcore-file",
	)
	if err != nil {
		file.Close()
		return nil, err
	}

	stream := &fileStream{
		file:  file,
		track: track,
		done:  make(chan struct{}),
	}

	// Pace frames at the file's own timebase. A ticker avoids
	// accumulating skew over a long playback.
	interval := time.Millisecond * time.Duration(
		float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator)*1000,
	)
	go stream.play(ivf, interval)

	return stream, nil
}

type fileStream struct {
	file  *os.File
	track *webrtc.TrackLocalStaticSample

	closeOnce sync.Once
	done      chan struct{}
}

func (s *fileStream) play(ivf *ivfreader.IVFReader, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			log.Info().Str("service", "media").Msg("playback file finished")
			return
		}
		if err != nil {
			log.Error().Err(err).Str("service", "media").Msg("frame parse failed")
			return
		}

		if err := s.track.WriteSample(webrtcmedia.Sample{Data: frame, Duration: time.Second}); err != nil {
			log.Error().Err(err).Str("service", "media").Msg("sample write failed")
			return
		}

		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

func (s *fileStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

func (s *fileStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.file.Close()
	})
	return nil
}
