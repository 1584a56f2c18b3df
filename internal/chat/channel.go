// Package chat is the ephemeral, best-effort message channel of a
// session. Nothing is persisted: a participant subscribing after a
// message was sent will never see it.
package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skillswap/meetcore/internal/core"
	"github.com/skillswap/meetcore/internal/fabric"
	"github.com/skillswap/meetcore/internal/telemetry"
)

type Message struct {
	SenderID core.ParticipantID `json:"sender_id"`
	Content  string             `json:"content"`
	SentAt   time.Time          `json:"sent_at"`
}

// Channel is one participant's view of the session chat. The view is
// ordered by arrival at this client; there is no global order across
// clients.
type Channel struct {
	topic  string
	self   core.ParticipantID
	client fabric.Client

	subscription fabric.Subscription

	mu   sync.Mutex
	view []Message

	onMessage func(Message)
}

func Open(ctx context.Context, client fabric.Client, sessionID string, self core.ParticipantID) (*Channel, error) {
	topic := fabric.Topic(fabric.ChatComponent, sessionID)

	subscription, err := client.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	return &Channel{
		topic:        topic,
		self:         self,
		client:       client,
		subscription: subscription,
	}, nil
}

func (c *Channel) OnMessage(handler func(Message)) {
	c.mu.Lock()
	c.onMessage = handler
	c.mu.Unlock()
}

// Start begins draining inbound messages. Messages this side sent are
// skipped: they were already appended by the local echo in Send.
func (c *Channel) Start() <-chan struct{} {
	ready := make(chan struct{})

	go func() {
		close(ready)

		for raw := range c.subscription.Channel() {
			msg := Message{}
			if err := json.Unmarshal(raw.Payload, &msg); err != nil {
				log.Error().Err(err).Str("service", "chat").Msg("malformed chat message")
				continue
			}

			if msg.SenderID == c.self {
				continue
			}

			c.append(msg)
		}
	}()

	return ready
}

// Send appends the message to the local view immediately and then
// broadcasts it. The local echo never waits for the round-trip: even
// when the publish fails the sender keeps seeing its own message, and
// the error is returned so the UI can offer a manual retry.
func (c *Channel) Send(ctx context.Context, content string) error {
	msg := Message{
		SenderID: c.self,
		Content:  content,
		SentAt:   time.Now().UTC(),
	}

	c.append(msg)

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if err := c.client.Publish(ctx, c.topic, payload); err != nil {
		log.Error().Err(err).Str("service", "chat").Msg("broadcast failed, message kept locally")
		return err
	}

	telemetry.ChatMessageSent()

	return nil
}

// Messages returns a copy of the local view in arrival order.
func (c *Channel) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	view := make([]Message, len(c.view))
	copy(view, c.view)

	return view
}

func (c *Channel) append(msg Message) {
	c.mu.Lock()
	c.view = append(c.view, msg)
	handler := c.onMessage
	c.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
}

func (c *Channel) Close() error {
	return c.subscription.Close()
}
