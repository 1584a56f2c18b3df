// Package media wraps local device acquisition. Devices are an
// external collaborator: the core only needs local tracks to feed the
// peer connection and a classified error for user messaging when
// acquisition fails.
package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v3"

	"github.com/skillswap/meetcore/internal/core"
)

type DeviceErrorClass string

const (
	DeviceNotFound         DeviceErrorClass = "not_found"
	DevicePermissionDenied DeviceErrorClass = "permission_denied"
	DeviceInUse            DeviceErrorClass = "in_use"
)

// DeviceError is always recoverable: the chat path stays usable and
// the UI offers a retry.
type DeviceError struct {
	Class DeviceErrorClass
	Err   error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error (%s): %v", e.Class, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Classify maps a raw acquisition failure onto the three user-facing
// classes. Driver errors are stringly-typed, so this is best-effort;
// unknown failures read as a missing device.
func Classify(err error) *DeviceError {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not allowed"):
		return &DeviceError{Class: DevicePermissionDenied, Err: err}
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return &DeviceError{Class: DeviceInUse, Err: err}
	default:
		return &DeviceError{Class: DeviceNotFound, Err: err}
	}
}

// Stream is acquired local media: one or more tracks ready to attach
// to a peer connection. Close stops every track.
type Stream interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// Acquirer is the device collaborator interface. The session kind
// decides what is requested: video sessions capture camera and
// microphone, audio sessions microphone only.
type Acquirer interface {
	Acquire(ctx context.Context, kind core.SessionKind) (Stream, error)
}
