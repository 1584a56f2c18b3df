// Package meeting assembles the live meeting a participant sees: the
// durable session record plus the transient channels (presence,
// signaling, media, chat) opened around it. One view exists per open
// meeting per participant and owns the teardown of everything it
// opened.
package meeting

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/skillswap/meetcore/internal/chat"
	"github.com/skillswap/meetcore/internal/core"
	"github.com/skillswap/meetcore/internal/fabric"
	"github.com/skillswap/meetcore/internal/lifecycle"
	"github.com/skillswap/meetcore/internal/media"
	"github.com/skillswap/meetcore/internal/negotiation"
	"github.com/skillswap/meetcore/internal/presence"
	"github.com/skillswap/meetcore/internal/signaling"
	"github.com/skillswap/meetcore/internal/telemetry"
)

// Opener builds views. It carries the collaborators shared by every
// meeting: the lifecycle controller, the fabric client, the device
// acquirer and the webrtc options.
type Opener struct {
	controller *lifecycle.Controller
	tracker    *presence.Tracker
	client     fabric.Client
	acquirer   media.Acquirer
	webrtcOpts negotiation.Options
}

func NewOpener(
	controller *lifecycle.Controller,
	client fabric.Client,
	acquirer media.Acquirer,
	webrtcOpts negotiation.Options,
) *Opener {
	return &Opener{
		controller: controller,
		tracker:    presence.NewTracker(client),
		client:     client,
		acquirer:   acquirer,
		webrtcOpts: webrtcOpts,
	}
}

// View is one participant's assembled meeting. Accessors are safe for
// concurrent use; the named slots (local stream, peer tracks,
// negotiation state, presence, device error) each update
// independently.
type View struct {
	opener  *Opener
	session *core.Session
	self    core.ParticipantID
	role    core.Role

	mu         sync.Mutex
	localMedia media.Stream
	deviceErr  *media.DeviceError
	peerTracks []*webrtc.TrackRemote
	engine     *negotiation.Engine
	signal     *signaling.Channel
	closed     bool

	chatChannel    *chat.Channel
	presenceHandle *presence.Handle
	watcher        *lifecycle.Watcher

	onEnded func(core.StatusChange)

	closeOnce sync.Once
	closeErr  error
}

// Open loads the session record and brings up every channel of the
// meeting. Each acquisition is scoped: a failure tears down everything
// opened before it, except device acquisition, whose classified
// failure degrades the meeting to chat instead of failing the open.
func (o *Opener) Open(ctx context.Context, sessionID string, self core.ParticipantID) (*View, error) {
	session, err := o.controller.Load(ctx, sessionID, self)
	if err != nil {
		return nil, err
	}

	role, _ := session.RoleOf(self)

	view := &View{
		opener:  o,
		session: session,
		self:    self,
		role:    role,
	}

	var opened []func() error
	teardown := func() {
		for i := len(opened) - 1; i >= 0; i-- {
			opened[i]()
		}
	}

	view.watcher, err = o.controller.Watch(ctx, sessionID, self)
	if err != nil {
		return nil, err
	}
	opened = append(opened, view.watcher.Close)

	view.chatChannel, err = chat.Open(ctx, o.client, sessionID, self)
	if err != nil {
		teardown()
		return nil, err
	}
	opened = append(opened, view.chatChannel.Close)
	<-view.chatChannel.Start()

	view.presenceHandle, err = o.tracker.Join(ctx, sessionID, self, role)
	if err != nil {
		teardown()
		return nil, err
	}
	if _, err = view.presenceHandle.Start(ctx); err != nil {
		teardown()
		return nil, err
	}
	opened = append(opened, view.presenceHandle.Close)

	if session.Kind.HasMedia() {
		if err := view.openMedia(ctx); err != nil {
			teardown()
			return nil, err
		}
	}

	view.watcher.OnRemoteTermination(view.remoteEnded)
	<-view.watcher.Start()

	telemetry.MeetingOpened()

	return view, nil
}

// openMedia acquires local devices and starts negotiation. A device
// failure is recorded, not returned: the meeting opens without media
// and the caller may retry. Any later failure tears down what
// openMedia itself opened.
func (v *View) openMedia(ctx context.Context) error {
	stream, err := v.opener.acquirer.Acquire(ctx, v.session.Kind)
	if err != nil {
		var deviceErr *media.DeviceError
		if !errors.As(err, &deviceErr) {
			return err
		}

		log.Warn().Err(err).Str("service", "meeting").Str("sessionId", v.session.ID).
			Msg("device acquisition failed, meeting degrades to chat")
		v.mu.Lock()
		v.deviceErr = deviceErr
		v.mu.Unlock()
		return nil
	}

	signal, err := signaling.Open(ctx, v.opener.client, v.session.ID, v.self)
	if err != nil {
		stream.Close()
		return err
	}

	engine := negotiation.NewEngine(signal, v.session, v.self, v.opener.webrtcOpts)
	engine.OnPeerTrack(v.addPeerTrack)
	<-signal.Start()

	if err := engine.Start(ctx, stream); err != nil {
		engine.Close()
		signal.Close()
		stream.Close()
		return err
	}

	v.mu.Lock()
	v.localMedia = stream
	v.signal = signal
	v.engine = engine
	v.deviceErr = nil
	v.mu.Unlock()

	if err := v.presenceHandle.SetPhase(ctx, presence.PhaseMediaReady); err != nil {
		log.Error().Err(err).Str("service", "meeting").Msg("media_ready phase publish failed")
	}

	return nil
}

// RetryMedia re-runs device acquisition and negotiation after a
// device failure or a failed connection. A previous engine, if any, is
// closed first: a view never holds two engines.
func (v *View) RetryMedia(ctx context.Context) error {
	if !v.session.Kind.HasMedia() {
		return nil
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return negotiation.ErrNotStarted
	}
	engine, signal, stream := v.engine, v.signal, v.localMedia
	v.engine, v.signal, v.localMedia = nil, nil, nil
	v.peerTracks = nil
	v.mu.Unlock()

	if engine != nil {
		engine.Close()
	}
	if signal != nil {
		signal.Close()
	}
	if stream != nil {
		stream.Close()
	}

	return v.openMedia(ctx)
}

func (v *View) addPeerTrack(track *webrtc.TrackRemote) {
	v.mu.Lock()
	v.peerTracks = append(v.peerTracks, track)
	v.mu.Unlock()
}

// Session returns the durable record the meeting was opened against.
func (v *View) Session() *core.Session {
	return v.session
}

func (v *View) Role() core.Role {
	return v.role
}

func (v *View) Chat() *chat.Channel {
	return v.chatChannel
}

// Presence returns the currently observed presence state.
func (v *View) Presence() presence.State {
	return v.presenceHandle.State()
}

// OnPresenceChange registers the observer for presence updates.
func (v *View) OnPresenceChange(callback func(presence.State)) {
	v.presenceHandle.OnChange(callback)
}

// NegotiationState reports the media connection progress, or idle when
// the meeting has no engine (text session or degraded to chat).
func (v *View) NegotiationState() negotiation.State {
	v.mu.Lock()
	engine := v.engine
	v.mu.Unlock()

	if engine == nil {
		return negotiation.StateIdle
	}
	return engine.State()
}

// DeviceError returns the classified device failure, if the meeting is
// currently degraded to chat. Nil otherwise.
func (v *View) DeviceError() *media.DeviceError {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.deviceErr
}

func (v *View) LocalMedia() media.Stream {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.localMedia
}

// PeerTracks returns the inbound tracks received so far.
func (v *View) PeerTracks() []*webrtc.TrackRemote {
	v.mu.Lock()
	defer v.mu.Unlock()

	tracks := make([]*webrtc.TrackRemote, len(v.peerTracks))
	copy(tracks, v.peerTracks)
	return tracks
}

// OnEnded registers the observer for the peer ending or rejecting the
// session. The view's transient resources are already released when it
// fires; the durable record stays readable.
func (v *View) OnEnded(callback func(core.StatusChange)) {
	v.mu.Lock()
	v.onEnded = callback
	v.mu.Unlock()
}

func (v *View) remoteEnded(change core.StatusChange) {
	log.Info().Str("service", "meeting").Str("sessionId", v.session.ID).
		Str("status", string(change.Status)).Msg("session terminated by peer")

	v.Close()

	v.mu.Lock()
	callback := v.onEnded
	v.mu.Unlock()

	if callback != nil {
		callback(change)
	}
}

// End completes the session and closes the view. Ending an already
// completed session is a no-op, so racing the peer is safe.
func (v *View) End(ctx context.Context) error {
	if _, err := v.opener.controller.End(ctx, v.session.ID, v.self); err != nil {
		return err
	}

	return v.Close()
}

// Close releases every transient resource the view opened, in reverse
// open order. Safe to call more than once; the durable session record
// is untouched.
func (v *View) Close() error {
	v.closeOnce.Do(func() {
		v.mu.Lock()
		v.closed = true
		engine, signal, stream := v.engine, v.signal, v.localMedia
		v.engine, v.signal, v.localMedia = nil, nil, nil
		v.mu.Unlock()

		if engine != nil {
			if err := engine.Close(); err != nil {
				v.closeErr = err
			}
		}
		if signal != nil {
			if err := signal.Close(); err != nil && v.closeErr == nil {
				v.closeErr = err
			}
		}
		if stream != nil {
			if err := stream.Close(); err != nil && v.closeErr == nil {
				v.closeErr = err
			}
		}
		if err := v.presenceHandle.Close(); err != nil && v.closeErr == nil {
			v.closeErr = err
		}
		if err := v.chatChannel.Close(); err != nil && v.closeErr == nil {
			v.closeErr = err
		}
		if err := v.watcher.Close(); err != nil && v.closeErr == nil {
			v.closeErr = err
		}

		telemetry.MeetingClosed()
	})

	return v.closeErr
}
