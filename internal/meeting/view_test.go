package meeting

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillswap/meetcore/internal/core"
	"github.com/skillswap/meetcore/internal/fabric"
	"github.com/skillswap/meetcore/internal/lifecycle"
	"github.com/skillswap/meetcore/internal/media"
	"github.com/skillswap/meetcore/internal/negotiation"
)

const (
	learnerID    = core.ParticipantID("learner-1")
	instructorID = core.ParticipantID("instructor-1")
	strangerID   = core.ParticipantID("stranger-1")
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*core.Session
}

func newFakeStore(sessions ...*core.Session) *fakeStore {
	store := &fakeStore{sessions: map[string]*core.Session{}}
	for _, session := range sessions {
		copied := *session
		store.sessions[session.ID] = &copied
	}
	return store
}

func (s *fakeStore) FetchSession(_ context.Context, id string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id string, from, to core.SessionStatus, actor core.ParticipantID) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok || session.Status != from || !session.HasParticipant(actor) {
		return nil, core.ErrStatusConflict
	}

	session.Status = to
	copied := *session
	return &copied, nil
}

type fakeStream struct {
	tracks []webrtc.TrackLocal
	closed int32
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *fakeStream) Close() error {
	atomic.StoreInt32(&s.closed, 1)
	return nil
}

type fakeAcquirer struct {
	mu  sync.Mutex
	err error
}

func (a *fakeAcquirer) fail(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

func (a *fakeAcquirer) Acquire(_ context.Context, _ core.SessionKind) (media.Stream, error) {
	a.mu.Lock()
	err := a.err
	a.mu.Unlock()

	if err != nil {
		return nil, media.Classify(err)
	}

	track, trackErr := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "meetcore-test",
	)
	if trackErr != nil {
		return nil, trackErr
	}

	return &fakeStream{tracks: []webrtc.TrackLocal{track}}, nil
}

func acceptedSession(kind core.SessionKind) *core.Session {
	return &core.Session{
		ID:            "session-1",
		SubjectID:     "subject-1",
		InitiatorID:   learnerID,
		CounterpartID: instructorID,
		Status:        core.StatusAccepted,
		Kind:          kind,
	}
}

type harness struct {
	client     fabric.Client
	store      *fakeStore
	controller *lifecycle.Controller
	acquirer   *fakeAcquirer
	opener     *Opener
}

func newHarness(t *testing.T, session *core.Session) *harness {
	t.Helper()

	client := fabric.NewMemory()
	store := newFakeStore(session)
	controller := lifecycle.NewController(store, client)
	acquirer := &fakeAcquirer{}

	return &harness{
		client:     client,
		store:      store,
		controller: controller,
		acquirer:   acquirer,
		opener:     NewOpener(controller, client, acquirer, negotiation.Options{}),
	}
}

// The handshake states are transient: on a fast run both sides race
// past them to connected between polls, so progress is asserted as a
// set of acceptable states instead of one exact state.
func answererProgressed(state negotiation.State) bool {
	switch state {
	case negotiation.StateRemoteDescriptionSet, negotiation.StateLocalDescriptionSet, negotiation.StateConnected:
		return true
	}
	return false
}

func offererProgressed(state negotiation.State) bool {
	return state == negotiation.StateRemoteDescriptionSet || state == negotiation.StateConnected
}

func TestOpenAssemblesTheMeeting(t *testing.T) {
	h := newHarness(t, acceptedSession(core.VideoSession))
	ctx := context.Background()

	learner, err := h.opener.Open(ctx, "session-1", learnerID)
	require.NoError(t, err)
	defer learner.Close()

	instructor, err := h.opener.Open(ctx, "session-1", instructorID)
	require.NoError(t, err)
	defer instructor.Close()

	assert.Equal(t, core.LearnerRole, learner.Role())
	assert.Equal(t, core.InstructorRole, instructor.Role())

	assert.Eventually(t, func() bool {
		state := learner.Presence()
		return state.Contains(learnerID) && state.Contains(instructorID)
	}, 5*time.Second, 10*time.Millisecond, "both sides should appear in presence")

	assert.Eventually(t, func() bool {
		return answererProgressed(learner.NegotiationState()) &&
			offererProgressed(instructor.NegotiationState())
	}, 5*time.Second, 10*time.Millisecond, "descriptions should be exchanged")

	require.NoError(t, learner.Chat().Send(ctx, "hello"))
	assert.Eventually(t, func() bool {
		messages := instructor.Chat().Messages()
		return len(messages) == 1 && messages[0].Content == "hello"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestInstructorOpensFirst(t *testing.T) {
	h := newHarness(t, acceptedSession(core.VideoSession))
	ctx := context.Background()

	instructor, err := h.opener.Open(ctx, "session-1", instructorID)
	require.NoError(t, err)
	defer instructor.Close()

	// The instructor's offer goes out before the learner subscribes
	// and reaches nobody; the learner joining later must still end up
	// with an exchange.
	time.Sleep(100 * time.Millisecond)

	learner, err := h.opener.Open(ctx, "session-1", learnerID)
	require.NoError(t, err)
	defer learner.Close()

	assert.Eventually(t, func() bool {
		return answererProgressed(learner.NegotiationState()) &&
			offererProgressed(instructor.NegotiationState())
	}, 10*time.Second, 10*time.Millisecond, "the late learner should still receive the offer")
}

func TestTextSessionHasNoEngine(t *testing.T) {
	h := newHarness(t, acceptedSession(core.TextSession))

	view, err := h.opener.Open(context.Background(), "session-1", learnerID)
	require.NoError(t, err)
	defer view.Close()

	assert.Equal(t, negotiation.StateIdle, view.NegotiationState())
	assert.Nil(t, view.LocalMedia())
	assert.Nil(t, view.DeviceError())
}

func TestDeviceFailureDegradesToChat(t *testing.T) {
	h := newHarness(t, acceptedSession(core.VideoSession))
	h.acquirer.fail(errors.New("open /dev/video0: device or resource busy"))
	ctx := context.Background()

	view, err := h.opener.Open(ctx, "session-1", learnerID)
	require.NoError(t, err, "a device failure must not fail the open")
	defer view.Close()

	deviceErr := view.DeviceError()
	require.NotNil(t, deviceErr)
	assert.Equal(t, media.DeviceInUse, deviceErr.Class)
	assert.Equal(t, negotiation.StateIdle, view.NegotiationState())

	require.NoError(t, view.Chat().Send(ctx, "still here"))

	// Devices freed up; retry brings media back.
	h.acquirer.fail(nil)
	require.NoError(t, view.RetryMedia(ctx))
	assert.Nil(t, view.DeviceError())
	assert.NotNil(t, view.LocalMedia())
	assert.NotEqual(t, negotiation.StateIdle, view.NegotiationState())
}

func TestRemoteTermination(t *testing.T) {
	h := newHarness(t, acceptedSession(core.TextSession))
	ctx := context.Background()

	learner, err := h.opener.Open(ctx, "session-1", learnerID)
	require.NoError(t, err)

	ended := make(chan core.StatusChange, 1)
	learner.OnEnded(func(change core.StatusChange) {
		ended <- change
	})

	instructor, err := h.opener.Open(ctx, "session-1", instructorID)
	require.NoError(t, err)

	require.NoError(t, instructor.End(ctx))

	select {
	case change := <-ended:
		assert.Equal(t, core.StatusCompleted, change.Status)
		assert.Equal(t, instructorID, change.Actor)
	case <-time.After(5 * time.Second):
		t.Fatal("peer termination was never observed")
	}

	// Resources are already released; a second close is a no-op.
	assert.NoError(t, learner.Close())

	session, err := h.store.FetchSession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, session.Status)
}

func TestEndIsIdempotentAcrossViews(t *testing.T) {
	h := newHarness(t, acceptedSession(core.TextSession))
	ctx := context.Background()

	learner, err := h.opener.Open(ctx, "session-1", learnerID)
	require.NoError(t, err)
	instructor, err := h.opener.Open(ctx, "session-1", instructorID)
	require.NoError(t, err)

	require.NoError(t, learner.End(ctx))
	require.NoError(t, instructor.End(ctx))
}

func TestOpenRejectsOutsiders(t *testing.T) {
	h := newHarness(t, acceptedSession(core.TextSession))

	_, err := h.opener.Open(context.Background(), "session-1", strangerID)
	assert.ErrorIs(t, err, core.ErrNotAuthorized)
}

func TestOpenNonAcceptedSession(t *testing.T) {
	session := acceptedSession(core.TextSession)
	session.Status = core.StatusPending
	h := newHarness(t, session)

	_, err := h.opener.Open(context.Background(), "session-1", learnerID)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	_, err = h.opener.Open(context.Background(), "missing", learnerID)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, acceptedSession(core.VideoSession))

	view, err := h.opener.Open(context.Background(), "session-1", learnerID)
	require.NoError(t, err)

	assert.NoError(t, view.Close())
	assert.NoError(t, view.Close())
}

func TestCloseReleasesPresence(t *testing.T) {
	h := newHarness(t, acceptedSession(core.TextSession))
	ctx := context.Background()

	learner, err := h.opener.Open(ctx, "session-1", learnerID)
	require.NoError(t, err)
	instructor, err := h.opener.Open(ctx, "session-1", instructorID)
	require.NoError(t, err)
	defer instructor.Close()

	assert.Eventually(t, func() bool {
		return instructor.Presence().Contains(learnerID)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, learner.Close())

	assert.Eventually(t, func() bool {
		return !instructor.Presence().Contains(learnerID)
	}, 5*time.Second, 10*time.Millisecond, "a closed view must leave presence")
}
