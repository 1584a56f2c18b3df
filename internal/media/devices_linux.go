//go:build linux && cgo

package media

import (
	"context"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v3"

	"github.com/skillswap/meetcore/internal/core"
)

// DeviceAcquirer captures camera/microphone via pion/mediadevices
// (V4L2 and malgo on Linux), encoding VP8 and Opus.
type DeviceAcquirer struct {
	selector *mediadevices.CodecSelector
}

func NewDeviceAcquirer() (*DeviceAcquirer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	return &DeviceAcquirer{selector: selector}, nil
}

// PopulateEngine registers the acquirer's codecs with the media
// engine the peer connection API is built from. Must be called before
// tracks from Acquire are added to a connection.
func (a *DeviceAcquirer) PopulateEngine(engine *webrtc.MediaEngine) {
	a.selector.Populate(engine)
}

func (a *DeviceAcquirer) Acquire(_ context.Context, kind core.SessionKind) (Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: a.selector}

	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if kind == core.VideoSession {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, Classify(err)
	}

	return &deviceStream{stream: stream}, nil
}

type deviceStream struct {
	stream mediadevices.MediaStream
}

func (s *deviceStream) Tracks() []webrtc.TrackLocal {
	captured := s.stream.GetTracks()

	tracks := make([]webrtc.TrackLocal, 0, len(captured))
	for _, track := range captured {
		tracks = append(tracks, track)
	}

	return tracks
}

func (s *deviceStream) Close() error {
	var firstErr error
	for _, track := range s.stream.GetTracks() {
		if err := track.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
