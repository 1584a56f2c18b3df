package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/skillswap/meetcore/internal/api"
	"github.com/skillswap/meetcore/internal/fabric"
)

const socketBuffer = 256

var errPresenceNotWritable = errors.New("presence is owned by the server side of the socket")

// socketClient adapts the meeting websocket to the fabric.Client
// interface, so the signaling and chat components run unchanged on a
// remote participant. Presence tracking is server-owned and therefore
// not writable through it.
type socketClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[fabric.Component][]chan fabric.Message
	closed bool
}

func newSocketClient(conn *websocket.Conn) *socketClient {
	c := &socketClient{
		conn: conn,
		subs: map[fabric.Component][]chan fabric.Message{},
	}

	go c.readLoop()

	return c
}

func (c *socketClient) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.closeAll()
			return
		}

		envelope := api.SocketEnvelope{}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			log.Error().Err(err).Str("service", "agent").Msg("malformed socket frame")
			continue
		}

		c.mu.Lock()
		for _, ch := range c.subs[envelope.Component] {
			select {
			case ch <- fabric.Message{Payload: envelope.Payload}:
			default:
				log.Warn().Str("service", "agent").Msg("slow consumer, frame dropped")
			}
		}
		c.mu.Unlock()
	}
}

func (c *socketClient) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for _, channels := range c.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	c.subs = map[fabric.Component][]chan fabric.Message{}
}

func (c *socketClient) Publish(_ context.Context, topic string, payload []byte) error {
	component, err := componentOf(topic)
	if err != nil {
		return err
	}

	frame, err := json.Marshal(api.SocketEnvelope{
		Component: component,
		Payload:   payload,
	})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *socketClient) Subscribe(_ context.Context, topic string) (fabric.Subscription, error) {
	component, err := componentOf(topic)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fabric.ErrClosed
	}

	ch := make(chan fabric.Message, socketBuffer)
	c.subs[component] = append(c.subs[component], ch)

	return &socketSubscription{client: c, component: component, ch: ch}, nil
}

func (c *socketClient) Track(context.Context, string, string, []byte) error {
	return errPresenceNotWritable
}

func (c *socketClient) Untrack(context.Context, string, string) error {
	return errPresenceNotWritable
}

func (c *socketClient) Snapshot(context.Context, string) ([]fabric.PresenceEntry, error) {
	return nil, errPresenceNotWritable
}

type socketSubscription struct {
	client    *socketClient
	component fabric.Component
	ch        chan fabric.Message
	closeOnce sync.Once
}

func (s *socketSubscription) Channel() <-chan fabric.Message {
	return s.ch
}

func (s *socketSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.client.mu.Lock()
		defer s.client.mu.Unlock()

		if s.client.closed {
			return
		}

		channels := s.client.subs[s.component]
		for i, ch := range channels {
			if ch == s.ch {
				s.client.subs[s.component] = append(channels[:i], channels[i+1:]...)
				break
			}
		}
		close(s.ch)
	})
	return nil
}

func componentOf(topic string) (fabric.Component, error) {
	parts := strings.SplitN(topic, ":", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed topic: %q", topic)
	}
	return fabric.Component(parts[1]), nil
}
