package fabric

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an in-process fabric for tests and single-node runs. It
// honors the same contracts as the networked implementations:
// at-most-once delivery (a slow subscriber drops messages rather than
// blocking the publisher) and per-sender FIFO within a topic.
type Memory struct {
	mu      sync.Mutex
	subs    map[string][]*memorySubscription
	tracked map[string][]PresenceEntry

	// SubscribeHook, when set, runs before every Subscribe and may
	// return an error to simulate transport failures in tests.
	SubscribeHook func(topic string) error
}

func NewMemory() *Memory {
	return &Memory{
		subs:    make(map[string][]*memorySubscription),
		tracked: make(map[string][]PresenceEntry),
	}
}

func (f *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deliver(topic, payload)

	return nil
}

func (f *Memory) Subscribe(_ context.Context, topic string) (Subscription, error) {
	if f.SubscribeHook != nil {
		if err := f.SubscribeHook(topic); err != nil {
			return nil, err
		}
	}

	sub := &memorySubscription{
		fabric:   f,
		topic:    topic,
		messages: make(chan Message, 256),
	}

	f.mu.Lock()
	f.subs[topic] = append(f.subs[topic], sub)
	f.mu.Unlock()

	return sub, nil
}

func (f *Memory) Track(_ context.Context, topic, key string, payload []byte) error {
	entry := PresenceEntry{Key: key, Payload: append([]byte(nil), payload...)}

	f.mu.Lock()
	replaced := false
	for i, e := range f.tracked[topic] {
		if e.Key == key {
			f.tracked[topic][i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		f.tracked[topic] = append(f.tracked[topic], entry)
	}

	event, _ := json.Marshal(PresenceEvent{Kind: PresenceJoin, Key: key, Payload: payload})
	f.deliver(topic, event)
	f.mu.Unlock()

	return nil
}

func (f *Memory) Untrack(_ context.Context, topic, key string) error {
	f.mu.Lock()
	entries := f.tracked[topic]
	for i, e := range entries {
		if e.Key == key {
			f.tracked[topic] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}

	event, _ := json.Marshal(PresenceEvent{Kind: PresenceLeave, Key: key})
	f.deliver(topic, event)
	f.mu.Unlock()

	return nil
}

func (f *Memory) Snapshot(_ context.Context, topic string) ([]PresenceEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries := make([]PresenceEntry, len(f.tracked[topic]))
	copy(entries, f.tracked[topic])

	return entries, nil
}

// deliver fans out under f.mu. Full subscriber buffers drop the
// message: the fabric contract is at-most-once, never backpressure.
func (f *Memory) deliver(topic string, payload []byte) {
	for _, sub := range f.subs[topic] {
		select {
		case sub.messages <- Message{Topic: topic, Payload: append([]byte(nil), payload...)}:
		default:
		}
	}
}

func (f *Memory) remove(sub *memorySubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs := f.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			f.subs[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

type memorySubscription struct {
	fabric   *Memory
	topic    string
	messages chan Message

	closeOnce sync.Once
}

func (s *memorySubscription) Channel() <-chan Message {
	return s.messages
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.fabric.remove(s)
		close(s.messages)
	})
	return nil
}
