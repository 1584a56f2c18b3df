package fabric

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

// presence hashes are kept alongside the pub/sub channel; the TTL is
// refreshed on every Track so an abandoned session eventually clears
// even if no Untrack arrives.
const presenceHashTTL = 24 * time.Hour

// Redis is the production fabric on redis pub/sub. Presence entries
// live in a redis hash keyed by the topic name, join/leave events fan
// out on the same pub/sub channel the topic uses.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (f *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	return f.rdb.Publish(ctx, topic, payload).Err()
}

func (f *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := f.rdb.Subscribe(ctx, topic)
	// Wait until the subscription is confirmed, otherwise messages
	// published right after this call could be lost to us even though
	// the peer believes we are live.
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}

	sub := &redisSubscription{pubsub: pubsub, messages: make(chan Message, 64)}
	go sub.pump(topic)

	return sub, nil
}

func (f *Redis) Track(ctx context.Context, topic, key string, payload []byte) error {
	hash := presenceHashKey(topic)

	pipe := f.rdb.TxPipeline()
	pipe.HSet(ctx, hash, key, payload)
	pipe.Expire(ctx, hash, presenceHashTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	return f.publishPresence(ctx, topic, PresenceEvent{Kind: PresenceJoin, Key: key, Payload: payload})
}

func (f *Redis) Untrack(ctx context.Context, topic, key string) error {
	if err := f.rdb.HDel(ctx, presenceHashKey(topic), key).Err(); err != nil {
		return err
	}

	return f.publishPresence(ctx, topic, PresenceEvent{Kind: PresenceLeave, Key: key})
}

func (f *Redis) Snapshot(ctx context.Context, topic string) ([]PresenceEntry, error) {
	fields, err := f.rdb.HGetAll(ctx, presenceHashKey(topic)).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]PresenceEntry, 0, len(fields))
	for key, payload := range fields {
		entries = append(entries, PresenceEntry{Key: key, Payload: json.RawMessage(payload)})
	}

	return entries, nil
}

func (f *Redis) publishPresence(ctx context.Context, topic string, event PresenceEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return f.rdb.Publish(ctx, topic, payload).Err()
}

func presenceHashKey(topic string) string {
	return topic + ":tracked"
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	messages chan Message
}

func (s *redisSubscription) pump(topic string) {
	defer close(s.messages)

	for msg := range s.pubsub.Channel() {
		s.messages <- Message{Topic: topic, Payload: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) Channel() <-chan Message {
	return s.messages
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
