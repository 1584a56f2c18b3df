// Package presence tracks which participants are currently connected
// to a session's real-time channel. State is transient: it is rebuilt
// from a snapshot (sync) on every join and updated by join/leave
// events, never persisted.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skillswap/meetcore/internal/core"
	"github.com/skillswap/meetcore/internal/fabric"
)

type Phase string

const (
	PhaseJoined     Phase = "joined"
	PhaseMediaReady Phase = "media_ready"
)

// Entry is one live connection of a participant. The same identity
// may hold several entries at once (several tabs); consumers must not
// assume uniqueness.
type Entry struct {
	ParticipantID core.ParticipantID `json:"participant_id"`
	Role          core.Role          `json:"role"`
	Phase         Phase              `json:"phase"`
	JoinedAt      time.Time          `json:"joined_at"`
}

// State maps participant identity to its active entries. Whether the
// peer is present is for the caller to decide; the tracker only
// reports what it sees.
type State map[core.ParticipantID][]Entry

func (s State) Contains(id core.ParticipantID) bool {
	return len(s[id]) > 0
}

type Tracker struct {
	client fabric.Client
}

func NewTracker(client fabric.Client) *Tracker {
	return &Tracker{client: client}
}

// Join subscribes to the session's presence topic and returns a
// handle announcing this participant. The handle must be closed to
// announce departure: an unclosed handle leaks a phantom presence
// until the transport expires it.
func (t *Tracker) Join(ctx context.Context, sessionID string, id core.ParticipantID, role core.Role) (*Handle, error) {
	topic := fabric.Topic(fabric.PresenceComponent, sessionID)

	subscription, err := t.client.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	return &Handle{
		client:       t.client,
		topic:        topic,
		key:          uuid.NewString(),
		subscription: subscription,
		entry: Entry{
			ParticipantID: id,
			Role:          role,
			Phase:         PhaseJoined,
			JoinedAt:      time.Now().UTC(),
		},
		entries: make(map[string]Entry),
	}, nil
}

// Handle is one tracked connection. Callbacks are registered before
// Start; Start announces the entry, replays the snapshot as the first
// change and then follows join/leave events.
type Handle struct {
	client fabric.Client
	topic  string
	key    string

	subscription fabric.Subscription

	mu      sync.Mutex
	entry   Entry
	entries map[string]Entry // connection key -> entry
	started bool

	onChange func(State)

	closeOnce sync.Once
	closeErr  error
}

// Key is the per-connection presence key of this handle.
func (h *Handle) Key() string {
	return h.key
}

func (h *Handle) OnChange(callback func(State)) {
	h.mu.Lock()
	h.onChange = callback
	h.mu.Unlock()
}

// Start announces this entry and begins following the topic. The
// returned channel closes after the initial sync has been dispatched.
// If the announce fails the subscription is released before the error
// is returned.
func (h *Handle) Start(ctx context.Context) (<-chan struct{}, error) {
	payload, err := json.Marshal(h.entry)
	if err != nil {
		h.subscription.Close()
		return nil, err
	}

	if err := h.client.Track(ctx, h.topic, h.key, payload); err != nil {
		h.subscription.Close()
		return nil, err
	}

	snapshot, err := h.client.Snapshot(ctx, h.topic)
	if err != nil {
		h.client.Untrack(ctx, h.topic, h.key)
		h.subscription.Close()
		return nil, err
	}

	h.mu.Lock()
	for _, tracked := range snapshot {
		entry := Entry{}
		if err := json.Unmarshal(tracked.Payload, &entry); err != nil {
			log.Error().Err(err).Str("service", "presence").Msg("malformed presence entry in snapshot")
			continue
		}
		h.entries[tracked.Key] = entry
	}
	h.started = true
	state := h.stateLocked()
	h.mu.Unlock()

	h.fire(state)

	ready := make(chan struct{})
	go func() {
		close(ready)

		for msg := range h.subscription.Channel() {
			event := fabric.PresenceEvent{}
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				log.Error().Err(err).Str("service", "presence").Msg("malformed presence event")
				continue
			}
			h.apply(event)
		}
	}()

	return ready, nil
}

// SetPhase republishes this entry with a new phase, e.g. media_ready
// once local tracks are attached.
func (h *Handle) SetPhase(ctx context.Context, phase Phase) error {
	h.mu.Lock()
	h.entry.Phase = phase
	payload, err := json.Marshal(h.entry)
	h.mu.Unlock()
	if err != nil {
		return err
	}

	return h.client.Track(ctx, h.topic, h.key, payload)
}

// State returns a copy of the currently observed presence state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateLocked()
}

func (h *Handle) apply(event fabric.PresenceEvent) {
	h.mu.Lock()
	switch event.Kind {
	case fabric.PresenceJoin:
		entry := Entry{}
		if err := json.Unmarshal(event.Payload, &entry); err != nil {
			h.mu.Unlock()
			log.Error().Err(err).Str("service", "presence").Msg("malformed join payload")
			return
		}
		h.entries[event.Key] = entry
	case fabric.PresenceLeave:
		delete(h.entries, event.Key)
	default:
		h.mu.Unlock()
		return
	}
	state := h.stateLocked()
	h.mu.Unlock()

	h.fire(state)
}

func (h *Handle) stateLocked() State {
	state := make(State, len(h.entries))
	for _, entry := range h.entries {
		state[entry.ParticipantID] = append(state[entry.ParticipantID], entry)
	}
	return state
}

func (h *Handle) fire(state State) {
	h.mu.Lock()
	callback := h.onChange
	h.mu.Unlock()

	if callback != nil {
		callback(state)
	}
}

// Close untracks the entry and releases the subscription. Safe to
// call more than once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		// Untrack with a fresh context: Close runs on teardown paths
		// where the request context may already be canceled.
		if err := h.client.Untrack(context.Background(), h.topic, h.key); err != nil {
			h.closeErr = err
		}
		if err := h.subscription.Close(); err != nil && h.closeErr == nil {
			h.closeErr = err
		}
	})
	return h.closeErr
}
