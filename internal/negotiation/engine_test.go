package negotiation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	webrtcmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillswap/meetcore/internal/core"
	"github.com/skillswap/meetcore/internal/fabric"
	"github.com/skillswap/meetcore/internal/signaling"
)

const (
	learnerID    = core.ParticipantID("learner-1")
	instructorID = core.ParticipantID("instructor-1")
)

func testSession() *core.Session {
	return &core.Session{
		ID:            "session-1",
		InitiatorID:   learnerID,
		CounterpartID: instructorID,
		Status:        core.StatusAccepted,
		Kind:          core.VideoSession,
	}
}

func openEngine(t *testing.T, client fabric.Client, self core.ParticipantID, opts Options) *Engine {
	t.Helper()

	channel, err := signaling.Open(context.Background(), client, "session-1", self)
	require.NoError(t, err)
	t.Cleanup(func() { channel.Close() })

	engine := NewEngine(channel, testSession(), self, opts)
	t.Cleanup(func() { engine.Close() })

	<-channel.Start()

	return engine
}

// stateRecorder keeps the full state history. The handshake states are
// transient, so tests assert a state was reached rather than polling
// the current one.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func recordStates(engine *Engine) *stateRecorder {
	recorder := &stateRecorder{}
	engine.OnStateChange(recorder.record)
	return recorder
}

func (r *stateRecorder) record(state State) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func (r *stateRecorder) reached(state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.states {
		if s == state {
			return true
		}
	}
	return false
}

// sampleStream feeds a dummy VP8 track so the peer's OnTrack fires.
type sampleStream struct {
	track *webrtc.TrackLocalStaticSample

	closeOnce sync.Once
	done      chan struct{}
}

func newSampleStream(t *testing.T) *sampleStream {
	t.Helper()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "negotiation-test",
	)
	require.NoError(t, err)

	stream := &sampleStream{track: track, done: make(chan struct{})}
	go stream.pump()
	t.Cleanup(func() { stream.Close() })

	return stream
}

func (s *sampleStream) pump() {
	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.track.WriteSample(webrtcmedia.Sample{
				Data:     []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a},
				Duration: 33 * time.Millisecond,
			})
		}
	}
}

func (s *sampleStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

func (s *sampleStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func TestOffererRole(t *testing.T) {
	client := fabric.NewMemory()

	instructor := openEngine(t, client, instructorID, Options{})
	learner := openEngine(t, client, learnerID, Options{})

	assert.True(t, instructor.Offerer())
	assert.False(t, learner.Offerer())
}

func TestOfferAnswerExchange(t *testing.T) {
	client := fabric.NewMemory()
	ctx := context.Background()

	learner := openEngine(t, client, learnerID, Options{})
	learnerStates := recordStates(learner)
	instructor := openEngine(t, client, instructorID, Options{})
	instructorStates := recordStates(instructor)

	require.NoError(t, learner.Start(ctx, nil))
	assert.Equal(t, StateAwaitingOffer, learner.State())

	require.NoError(t, instructor.Start(ctx, nil))

	assert.Eventually(t, func() bool {
		return learnerStates.reached(StateRemoteDescriptionSet) &&
			learnerStates.reached(StateLocalDescriptionSet)
	}, 5*time.Second, 10*time.Millisecond, "answerer should apply the offer and answer")

	assert.Eventually(t, func() bool {
		return instructorStates.reached(StateRemoteDescriptionSet)
	}, 5*time.Second, 10*time.Millisecond, "offerer should apply the answer")
}

func TestOffererStartingFirstReOffers(t *testing.T) {
	client := fabric.NewMemory()
	ctx := context.Background()

	// The offerer starts while the answerer is not even subscribed,
	// so its first offer reaches nobody and is lost.
	instructor := openEngine(t, client, instructorID, Options{})
	instructorStates := recordStates(instructor)
	require.NoError(t, instructor.Start(ctx, nil))

	learner := openEngine(t, client, learnerID, Options{})
	learnerStates := recordStates(learner)
	require.NoError(t, learner.Start(ctx, nil))

	assert.Eventually(t, func() bool {
		return learnerStates.reached(StateLocalDescriptionSet)
	}, 5*time.Second, 10*time.Millisecond, "readiness announce should trigger a re-offer")

	assert.Eventually(t, func() bool {
		return instructorStates.reached(StateRemoteDescriptionSet)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLoopbackReachesConnected(t *testing.T) {
	client := fabric.NewMemory()
	ctx := context.Background()

	learner := openEngine(t, client, learnerID, Options{})
	learnerStates := recordStates(learner)
	instructor := openEngine(t, client, instructorID, Options{})
	instructorStates := recordStates(instructor)

	learnerTracks := make(chan *webrtc.TrackRemote, 2)
	learner.OnPeerTrack(func(track *webrtc.TrackRemote) { learnerTracks <- track })
	instructorTracks := make(chan *webrtc.TrackRemote, 2)
	instructor.OnPeerTrack(func(track *webrtc.TrackRemote) { instructorTracks <- track })

	require.NoError(t, learner.Start(ctx, newSampleStream(t)))
	require.NoError(t, instructor.Start(ctx, newSampleStream(t)))

	assert.Eventually(t, func() bool {
		return learnerStates.reached(StateConnected) && instructorStates.reached(StateConnected)
	}, 15*time.Second, 20*time.Millisecond, "in-process peers should connect over loopback")

	select {
	case track := <-learnerTracks:
		assert.Equal(t, webrtc.RTPCodecTypeVideo, track.Kind())
	case <-time.After(15 * time.Second):
		t.Fatal("learner never observed the peer's track")
	}

	select {
	case track := <-instructorTracks:
		assert.Equal(t, webrtc.RTPCodecTypeVideo, track.Kind())
	case <-time.After(15 * time.Second):
		t.Fatal("instructor never observed the peer's track")
	}
}

func TestEarlyCandidatesAreQueuedAndFlushed(t *testing.T) {
	client := fabric.NewMemory()
	ctx := context.Background()

	learner := openEngine(t, client, learnerID, Options{})
	learnerStates := recordStates(learner)
	require.NoError(t, learner.Start(ctx, nil))

	// The peer trickles a candidate before its offer arrives.
	instructorChannel, err := signaling.Open(ctx, client, "session-1", instructorID)
	require.NoError(t, err)
	defer instructorChannel.Close()

	candidate := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2122260223 127.0.0.1 54321 typ host",
	}
	require.NoError(t, instructorChannel.PublishCandidate(ctx, candidate))

	assert.Eventually(t, func() bool {
		return learner.PendingCandidates() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateAwaitingOffer, learner.State())

	instructor := openEngine(t, client, instructorID, Options{})
	require.NoError(t, instructor.Start(ctx, nil))

	assert.Eventually(t, func() bool {
		return learner.PendingCandidates() == 0 && learnerStates.reached(StateLocalDescriptionSet)
	}, 5*time.Second, 10*time.Millisecond, "queued candidate should flush once the offer lands")
}

func TestRestartRequiresOfferer(t *testing.T) {
	client := fabric.NewMemory()

	learner := openEngine(t, client, learnerID, Options{})
	assert.ErrorIs(t, learner.Restart(context.Background()), ErrNotOfferer)

	instructor := openEngine(t, client, instructorID, Options{})
	assert.ErrorIs(t, instructor.Restart(context.Background()), ErrNotStarted)
}

func TestStartTwice(t *testing.T) {
	client := fabric.NewMemory()
	ctx := context.Background()

	learner := openEngine(t, client, learnerID, Options{})

	require.NoError(t, learner.Start(ctx, nil))
	assert.ErrorIs(t, learner.Start(ctx, nil), ErrAlreadyStarted)
}

func TestBoundedConnectWaitSurfacesFailure(t *testing.T) {
	client := fabric.NewMemory()

	failed := make(chan State, 8)
	learner := openEngine(t, client, learnerID, Options{ConnectTimeout: 50 * time.Millisecond})
	learner.OnStateChange(func(state State) {
		if state == StateFailed {
			failed <- state
		}
	})

	require.NoError(t, learner.Start(context.Background(), nil))

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("no offer within the wait should fail, not hang")
	}
	assert.Equal(t, StateFailed, learner.State())
}

func TestCloseIsIdempotent(t *testing.T) {
	client := fabric.NewMemory()

	learner := openEngine(t, client, learnerID, Options{})
	require.NoError(t, learner.Start(context.Background(), nil))

	assert.NoError(t, learner.Close())
	assert.NoError(t, learner.Close())
	assert.Equal(t, StateClosed, learner.State())

	assert.ErrorIs(t, learner.Start(context.Background(), nil), ErrNotStarted)
}

func TestCloseBeforeStart(t *testing.T) {
	client := fabric.NewMemory()

	learner := openEngine(t, client, learnerID, Options{})
	assert.NoError(t, learner.Close())
}
