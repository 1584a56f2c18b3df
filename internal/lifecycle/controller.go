// Package lifecycle mediates every status transition of the durable
// session record and fans committed transitions out to both
// participants over the session's lifecycle topic.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/skillswap/meetcore/internal/core"
	"github.com/skillswap/meetcore/internal/fabric"
)

// Controller owns the write path to the session store. Reads for a
// live meeting go through Load, which hides records from anyone but
// the two participants.
type Controller struct {
	store  core.SessionStore
	client fabric.Client
}

func NewController(store core.SessionStore, client fabric.Client) *Controller {
	return &Controller{store: store, client: client}
}

// Load fetches the record for joining a live meeting. Authorization is
// checked before status: a third identity gets ErrNotAuthorized and
// never learns the status, while a participant of a non-accepted
// session gets ErrSessionNotFound because there is no meeting to join.
func (c *Controller) Load(ctx context.Context, id string, self core.ParticipantID) (*core.Session, error) {
	session, err := c.store.FetchSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if !session.HasParticipant(self) {
		return nil, core.ErrNotAuthorized
	}
	if session.Status != core.StatusAccepted {
		return nil, core.ErrSessionNotFound
	}

	return session, nil
}

// Accept moves a pending session to accepted. Counterpart only.
func (c *Controller) Accept(ctx context.Context, id string, self core.ParticipantID) (*core.Session, error) {
	return c.transition(ctx, id, core.StatusAccepted, self)
}

// Reject moves a pending session to rejected. Counterpart only.
func (c *Controller) Reject(ctx context.Context, id string, self core.ParticipantID) (*core.Session, error) {
	return c.transition(ctx, id, core.StatusRejected, self)
}

// End completes an accepted session. Either participant may end, and
// ending an already terminal session is a no-op: when both sides end
// at once, one write wins and the other observes the done state.
func (c *Controller) End(ctx context.Context, id string, self core.ParticipantID) (*core.Session, error) {
	return c.transition(ctx, id, core.StatusCompleted, self)
}

func (c *Controller) transition(ctx context.Context, id string, to core.SessionStatus, self core.ParticipantID) (*core.Session, error) {
	session, err := c.store.FetchSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := session.CanTransition(to, self); err != nil {
		if to == core.StatusCompleted && errors.Is(err, core.ErrTerminalStatus) {
			return session, nil
		}
		return nil, err
	}

	updated, err := c.store.UpdateStatus(ctx, id, session.Status, to, self)
	if errors.Is(err, core.ErrStatusConflict) {
		// The peer committed first. Re-read and decide whether the
		// outcome we wanted already holds.
		current, fetchErr := c.store.FetchSession(ctx, id)
		if fetchErr != nil {
			return nil, fetchErr
		}
		if to == core.StatusCompleted && current.Status.Terminal() {
			return current, nil
		}
		return nil, core.ErrStatusConflict
	}
	if err != nil {
		return nil, err
	}

	c.publishChange(ctx, updated, self)

	return updated, nil
}

// publishChange broadcasts the committed transition. The durable write
// already succeeded, so a fan-out failure is logged, not returned; the
// peer still converges through its next read.
func (c *Controller) publishChange(ctx context.Context, session *core.Session, actor core.ParticipantID) {
	change := core.StatusChange{
		SessionID: session.ID,
		Status:    session.Status,
		Actor:     actor,
	}

	payload, err := json.Marshal(change)
	if err != nil {
		log.Error().Err(err).Str("service", "lifecycle").Msg("status change marshal failed")
		return
	}

	topic := fabric.Topic(fabric.LifecycleComponent, session.ID)
	if err := c.client.Publish(ctx, topic, payload); err != nil {
		log.Error().Err(err).Str("service", "lifecycle").Str("sessionId", session.ID).Msg("status change publish failed")
	}
}

// Watch subscribes to the session's lifecycle topic. The subscription
// is confirmed before Watch returns.
func (c *Controller) Watch(ctx context.Context, sessionID string, self core.ParticipantID) (*Watcher, error) {
	topic := fabric.Topic(fabric.LifecycleComponent, sessionID)

	subscription, err := c.client.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	return &Watcher{
		self:         self,
		subscription: subscription,
	}, nil
}

// Watcher observes remote status transitions. Transitions caused by
// this side are suppressed: the caller already saw them as the return
// value of its own Accept/Reject/End call.
type Watcher struct {
	self         core.ParticipantID
	subscription fabric.Subscription

	mu                  sync.Mutex
	onChange            func(core.StatusChange)
	onRemoteTermination func(core.StatusChange)

	terminationOnce sync.Once
}

func (w *Watcher) OnChange(callback func(core.StatusChange)) {
	w.mu.Lock()
	w.onChange = callback
	w.mu.Unlock()
}

// OnRemoteTermination fires at most once, on the first terminal status
// committed by the peer.
func (w *Watcher) OnRemoteTermination(callback func(core.StatusChange)) {
	w.mu.Lock()
	w.onRemoteTermination = callback
	w.mu.Unlock()
}

// Start drains the subscription in a goroutine. The returned channel
// closes once the loop is running.
func (w *Watcher) Start() <-chan struct{} {
	ready := make(chan struct{})

	go func() {
		close(ready)

		for msg := range w.subscription.Channel() {
			change := core.StatusChange{}
			if err := json.Unmarshal(msg.Payload, &change); err != nil {
				log.Error().Err(err).Str("service", "lifecycle").Msg("malformed status change")
				continue
			}

			if change.Actor == w.self {
				continue
			}

			w.mu.Lock()
			onChange := w.onChange
			onRemoteTermination := w.onRemoteTermination
			w.mu.Unlock()

			if onChange != nil {
				onChange(change)
			}

			if change.Status.Terminal() && onRemoteTermination != nil {
				w.terminationOnce.Do(func() {
					onRemoteTermination(change)
				})
			}
		}
	}()

	return ready
}

func (w *Watcher) Close() error {
	return w.subscription.Close()
}
