// Package negotiation drives the peer-to-peer media handshake between
// the two participants of a session. The instructor (subject owner)
// is the offerer; the learner answers. Exactly one engine exists per
// session per participant.
package negotiation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/skillswap/meetcore/internal/core"
	"github.com/skillswap/meetcore/internal/media"
	"github.com/skillswap/meetcore/internal/signaling"
	"github.com/skillswap/meetcore/internal/telemetry"
)

type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingOffer        State = "awaiting_offer"
	StateLocalDescriptionSet  State = "local_description_set"
	StateRemoteDescriptionSet State = "remote_description_set"
	StateConnected            State = "connected"
	StateDisconnected         State = "disconnected"
	StateFailed               State = "failed"
	StateClosed               State = "closed"
)

var (
	ErrAlreadyStarted = errors.New("negotiation engine already started")
	ErrNotStarted     = errors.New("negotiation engine is not started")
	ErrNotOfferer     = errors.New("only the offerer side can restart the connection")
)

const defaultConnectTimeout = 30 * time.Second

// Options carries the webrtc plumbing. The API is built once by the
// caller so the media engine can be populated with the device
// acquirer's codecs.
type Options struct {
	API            *webrtc.API
	Configuration  webrtc.Configuration
	ConnectTimeout time.Duration
}

// Engine owns one peer connection and the signaling exchange that
// establishes it. Candidates arriving before the remote description
// are queued and flushed once it is set; none are dropped.
type Engine struct {
	signal  *signaling.Channel
	self    core.ParticipantID
	offerer bool
	opts    Options

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	state     State
	pending   []webrtc.ICECandidateInit
	closed    bool
	connTimer *time.Timer

	onStateChange func(State)
	onPeerTrack   func(*webrtc.TrackRemote)
}

// NewEngine wires an engine to the session's signaling channel. The
// engine registers itself as the channel's offer/answer/candidate
// consumer.
func NewEngine(signal *signaling.Channel, session *core.Session, self core.ParticipantID, opts Options) *Engine {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}

	e := &Engine{
		signal:  signal,
		self:    self,
		offerer: self == session.CounterpartID,
		opts:    opts,
		state:   StateIdle,
	}

	signal.OnOffer(e.handleOffer)
	signal.OnAnswer(e.handleAnswer)
	signal.OnCandidate(e.handleCandidate)
	signal.OnReady(e.handleReady)

	return e
}

// Offerer reports whether this side creates the offer.
func (e *Engine) Offerer() bool {
	return e.offerer
}

func (e *Engine) OnStateChange(callback func(State)) {
	e.mu.Lock()
	e.onStateChange = callback
	e.mu.Unlock()
}

// OnPeerTrack fires for every inbound media track. Zero, one or many
// tracks are all valid: an audio-only peer yields no video track.
func (e *Engine) OnPeerTrack(callback func(*webrtc.TrackRemote)) {
	e.mu.Lock()
	e.onPeerTrack = callback
	e.mu.Unlock()
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start creates the peer connection and, on the offerer side,
// publishes the offer. The signaling subscription was confirmed when
// the channel was opened, so the answerer cannot miss it by racing
// the subscribe. local may be nil: the connection is then
// receive-only.
func (e *Engine) Start(ctx context.Context, local media.Stream) error {
	e.mu.Lock()
	if e.pc != nil {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	if e.closed {
		e.mu.Unlock()
		return ErrNotStarted
	}
	e.mu.Unlock()

	api := e.opts.API
	if api == nil {
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return err
		}
		api = webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	}

	pc, err := api.NewPeerConnection(e.opts.Configuration)
	if err != nil {
		return err
	}

	pc.OnICECandidate(e.onICECandidate(ctx))
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.mu.Lock()
		callback := e.onPeerTrack
		e.mu.Unlock()

		if callback != nil {
			callback(track)
		}
	})
	pc.OnConnectionStateChange(e.onConnectionStateChange)

	if local != nil {
		for _, track := range local.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				pc.Close()
				return err
			}
		}
	} else {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(
				kind,
				webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
			); err != nil {
				pc.Close()
				return err
			}
		}
	}

	e.mu.Lock()
	e.pc = pc
	e.connTimer = time.AfterFunc(e.opts.ConnectTimeout, e.connectTimedOut)
	e.mu.Unlock()

	if !e.offerer {
		e.setState(StateAwaitingOffer)
		// The offerer may have published its offer before this side
		// was subscribed. Announcing readiness makes it offer again.
		return e.signal.PublishReady(ctx)
	}

	return e.sendOffer(ctx, false)
}

// Restart performs an ICE restart from the offerer side, the retry
// path surfaced to the user after a failure.
func (e *Engine) Restart(ctx context.Context) error {
	if !e.offerer {
		return ErrNotOfferer
	}

	e.mu.Lock()
	if e.pc == nil || e.closed {
		e.mu.Unlock()
		return ErrNotStarted
	}
	if e.connTimer != nil {
		e.connTimer.Stop()
	}
	e.connTimer = time.AfterFunc(e.opts.ConnectTimeout, e.connectTimedOut)
	e.mu.Unlock()

	return e.sendOffer(ctx, true)
}

func (e *Engine) sendOffer(ctx context.Context, iceRestart bool) error {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := e.pc.CreateOffer(opts)
	if err != nil {
		return err
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	e.setState(StateLocalDescriptionSet)

	return e.signal.PublishOffer(ctx, e.pc.LocalDescription())
}

// handleOffer is the answerer path: apply the remote description,
// flush any queued candidates, answer.
func (e *Engine) handleOffer(params signaling.SDPParams) error {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return ErrNotStarted
	}
	if e.offerer {
		// Both sides offering means a role mixup somewhere; ignore.
		log.Warn().Str("service", "negotiation").Msg("offer received on the offerer side, ignored")
		return nil
	}

	if err := pc.SetRemoteDescription(params.SessionDescription); err != nil {
		return err
	}
	e.setState(StateRemoteDescriptionSet)

	if err := e.flushCandidates(); err != nil {
		return err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}
	e.setState(StateLocalDescriptionSet)

	return e.signal.PublishAnswer(context.Background(), pc.LocalDescription())
}

// handleReady is the offerer path: the answerer announced it is
// subscribed and waiting. The offer is sent again in case the first
// one went out before the answerer existed and was lost.
func (e *Engine) handleReady(signaling.ReadyParams) error {
	if !e.offerer {
		return nil
	}

	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return nil
	}
	if pc.CurrentRemoteDescription() != nil || pc.LocalDescription() == nil {
		return nil
	}

	return e.signal.PublishOffer(context.Background(), pc.LocalDescription())
}

func (e *Engine) handleAnswer(params signaling.SDPParams) error {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return ErrNotStarted
	}

	if err := pc.SetRemoteDescription(params.SessionDescription); err != nil {
		return err
	}
	e.setState(StateRemoteDescriptionSet)

	return e.flushCandidates()
}

// handleCandidate queues the candidate and flushes the queue once the
// remote description exists. Candidates arriving early must not be
// dropped: the peer starts trickling them right after its offer.
func (e *Engine) handleCandidate(params signaling.ICECandidateParams) error {
	e.mu.Lock()
	pc := e.pc
	e.pending = append(e.pending, params.ICECandidateInit)
	e.mu.Unlock()

	if pc == nil || pc.CurrentRemoteDescription() == nil {
		return nil
	}

	return e.flushCandidates()
}

func (e *Engine) flushCandidates() error {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	pc := e.pc
	e.mu.Unlock()

	if pc == nil {
		return nil
	}

	for _, candidate := range pending {
		if err := pc.AddICECandidate(candidate); err != nil {
			return err
		}
	}

	return nil
}

// PendingCandidates reports how many candidates await the remote
// description.
func (e *Engine) PendingCandidates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) onICECandidate(ctx context.Context) func(*webrtc.ICECandidate) {
	return func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			log.Debug().Str("service", "negotiation").Msg("no more ICE candidates")
			return
		}

		if err := e.signal.PublishCandidate(ctx, candidate.ToJSON()); err != nil {
			log.Error().Err(err).Str("service", "negotiation").Msg("candidate publish failed")
		}
	}
}

func (e *Engine) onConnectionStateChange(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		e.mu.Lock()
		if e.connTimer != nil {
			e.connTimer.Stop()
		}
		e.mu.Unlock()
		e.setState(StateConnected)
	case webrtc.PeerConnectionStateDisconnected:
		e.setState(StateDisconnected)
	case webrtc.PeerConnectionStateFailed:
		telemetry.NegotiationFailed()
		e.setState(StateFailed)
	case webrtc.PeerConnectionStateClosed:
		e.setState(StateClosed)
	}
}

// connectTimedOut fires when the bounded wait for connected elapses.
// Surfaced as a retryable failure, never a silent hang; the session
// record is untouched.
func (e *Engine) connectTimedOut() {
	e.mu.Lock()
	state := e.state
	closed := e.closed
	e.mu.Unlock()

	if closed || state == StateConnected {
		return
	}

	log.Warn().Str("service", "negotiation").Msg("connection not established within the bounded wait")
	telemetry.NegotiationFailed()
	e.setState(StateFailed)
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	if e.closed && state != StateClosed {
		e.mu.Unlock()
		return
	}
	e.state = state
	callback := e.onStateChange
	e.mu.Unlock()

	if callback != nil {
		callback(state)
	}
}

// Close releases the peer connection. Safe to call more than once and
// on a never-started engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.connTimer != nil {
		e.connTimer.Stop()
	}
	pc := e.pc
	e.pc = nil
	e.state = StateClosed
	e.mu.Unlock()

	if pc == nil {
		return nil
	}

	return pc.Close()
}
