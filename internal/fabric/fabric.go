// Package fabric is the pub/sub capability shared by presence,
// signaling, chat and the lifecycle change feed. It is injected into
// every component constructor so tests can substitute the in-memory
// implementation.
package fabric

import (
	"context"
	"encoding/json"
	"errors"
)

// Component tags a topic so the per-session channels never
// cross-deliver.
type Component string

const (
	PresenceComponent  Component = "presence"
	SignalingComponent Component = "signaling"
	ChatComponent      Component = "chat"
	LifecycleComponent Component = "lifecycle"
)

const topicPrefix = "meetcore"

// Topic derives the deterministic topic name for one component of one
// session.
func Topic(c Component, sessionID string) string {
	return topicPrefix + ":" + string(c) + ":" + sessionID
}

// Message is a single delivery from a subscription. Payloads are
// opaque to the fabric.
type Message struct {
	Topic   string
	Payload []byte
}

type Subscription interface {
	// Channel yields messages in per-sender publish order. It is
	// closed when the subscription closes.
	Channel() <-chan Message
	Close() error
}

// PresenceEntry is one tracked per-connection key with the payload it
// was tracked with. A participant may hold several entries at once
// (several tabs), so keys are connection-scoped, not identity-scoped.
type PresenceEntry struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// PresenceEvent is the envelope the fabric publishes on a presence
// topic when a key is tracked or untracked.
type PresenceEvent struct {
	Kind    string          `json:"kind"` // "join" or "leave"
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// Client is the fabric capability: topic-scoped publish/subscribe with
// a presence-tracking extension. Delivery is at-most-once per publish;
// there is no ordering guarantee across topics or across senders.
type Client interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Track registers key under topic until Untrack (or the transport
	// drops the connection) and fans out a join event.
	Track(ctx context.Context, topic, key string, payload []byte) error
	Untrack(ctx context.Context, topic, key string) error
	// Snapshot returns the currently tracked entries of the topic,
	// the "sync" view a joining participant reconstructs state from.
	Snapshot(ctx context.Context, topic string) ([]PresenceEntry, error)
}

var ErrClosed = errors.New("fabric: subscription closed")
