package fabric

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// syncWindow bounds the scatter-gather presence snapshot: every live
// tracker answers the sync request, we collect whatever arrives within
// the window. Presence is eventually consistent by contract, so a
// late reply is equivalent to a join event arriving a moment later.
const syncWindow = 250 * time.Millisecond

// NATS is an alternative fabric on core NATS. Plain topics map onto
// subjects; the presence extension has no server-side storage to lean
// on, so snapshots are served by the trackers themselves via
// request/reply.
type NATS struct {
	nc *nats.Conn

	mu         sync.Mutex
	responders map[string]*natsResponder // topic/key -> sync responder
}

func NewNATS(nc *nats.Conn) *NATS {
	return &NATS{
		nc:         nc,
		responders: make(map[string]*natsResponder),
	}
}

// Connect dials the given NATS address with echo suppressed.
func ConnectNATS(addr string) (*NATS, error) {
	nc, err := nats.Connect(addr, nats.NoEcho())
	if err != nil {
		return nil, err
	}

	return NewNATS(nc), nil
}

func (f *NATS) Publish(_ context.Context, topic string, payload []byte) error {
	return f.nc.Publish(subject(topic), payload)
}

func (f *NATS) Subscribe(_ context.Context, topic string) (Subscription, error) {
	raw := make(chan *nats.Msg, 64)
	sub, err := f.nc.ChanSubscribe(subject(topic), raw)
	if err != nil {
		return nil, err
	}
	// Subscription interest must reach the server before the caller
	// starts publishing on the strength of it.
	if err := f.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	s := &natsSubscription{sub: sub, raw: raw, messages: make(chan Message, 64)}
	go s.pump(topic)

	return s, nil
}

func (f *NATS) Track(_ context.Context, topic, key string, payload []byte) error {
	entry, err := json.Marshal(PresenceEntry{Key: key, Payload: payload})
	if err != nil {
		return err
	}

	responder := &natsResponder{entry: entry}
	responder.sub, err = f.nc.Subscribe(syncSubject(topic), responder.reply(f.nc))
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.responders[topic+"/"+key] = responder
	f.mu.Unlock()

	event, err := json.Marshal(PresenceEvent{Kind: PresenceJoin, Key: key, Payload: payload})
	if err != nil {
		return err
	}

	return f.nc.Publish(subject(topic), event)
}

func (f *NATS) Untrack(_ context.Context, topic, key string) error {
	f.mu.Lock()
	responder, ok := f.responders[topic+"/"+key]
	delete(f.responders, topic+"/"+key)
	f.mu.Unlock()

	if ok {
		if err := responder.sub.Unsubscribe(); err != nil {
			return err
		}
	}

	event, err := json.Marshal(PresenceEvent{Kind: PresenceLeave, Key: key})
	if err != nil {
		return err
	}

	return f.nc.Publish(subject(topic), event)
}

func (f *NATS) Snapshot(ctx context.Context, topic string) ([]PresenceEntry, error) {
	inbox := nats.NewInbox()
	sub, err := f.nc.SubscribeSync(inbox)
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := f.nc.PublishRequest(syncSubject(topic), inbox, nil); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(syncWindow)
	entries := []PresenceEntry{}
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return entries, nil
		}

		msg, err := sub.NextMsg(remaining)
		if err == nats.ErrTimeout {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}

		entry := PresenceEntry{}
		if err := json.Unmarshal(msg.Data, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)

		if err := ctx.Err(); err != nil {
			return entries, err
		}
	}
}

type natsResponder struct {
	sub   *nats.Subscription
	entry []byte
}

func (r *natsResponder) reply(nc *nats.Conn) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if msg.Reply == "" {
			return
		}
		nc.Publish(msg.Reply, r.entry)
	}
}

type natsSubscription struct {
	sub      *nats.Subscription
	raw      chan *nats.Msg
	messages chan Message
}

func (s *natsSubscription) pump(topic string) {
	defer close(s.messages)

	for msg := range s.raw {
		s.messages <- Message{Topic: topic, Payload: msg.Data}
	}
}

func (s *natsSubscription) Channel() <-chan Message {
	return s.messages
}

func (s *natsSubscription) Close() error {
	err := s.sub.Unsubscribe()
	close(s.raw)
	return err
}

// NATS subjects use dots as separators; colons from the canonical
// topic names are translated.
func subject(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

func syncSubject(topic string) string {
	return subject(topic) + ".sync"
}
