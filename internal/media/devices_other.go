//go:build !linux || !cgo

package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v3"

	"github.com/skillswap/meetcore/internal/core"
)

// DeviceAcquirer has no capture backend off Linux; every acquisition
// reports a missing device so the caller falls back to chat.
type DeviceAcquirer struct{}

func NewDeviceAcquirer() (*DeviceAcquirer, error) {
	return &DeviceAcquirer{}, nil
}

func (a *DeviceAcquirer) PopulateEngine(_ *webrtc.MediaEngine) {}

func (a *DeviceAcquirer) Acquire(_ context.Context, _ core.SessionKind) (Stream, error) {
	return nil, Classify(errors.New("no media capture backend on this platform"))
}
