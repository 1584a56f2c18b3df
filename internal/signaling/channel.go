package signaling

import (
	"bytes"
	"context"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/skillswap/meetcore/internal/core"
	"github.com/skillswap/meetcore/internal/fabric"
)

// Channel is the per-session signaling topic: it publishes this side's
// offer/answer/candidate messages and routes inbound ones to the
// registered callbacks. Messages this side published itself are
// dropped before dispatch (self-echo suppression).
type Channel struct {
	topic  string
	self   core.ParticipantID
	client fabric.Client

	subscription fabric.Subscription

	onOffer     func(SDPParams) error
	onAnswer    func(SDPParams) error
	onCandidate func(ICECandidateParams) error
	onReady     func(ReadyParams) error
}

// Open subscribes to the session's signaling topic. The subscription
// is confirmed before Open returns, so a caller may publish on the
// strength of it (the offerer contract).
func Open(ctx context.Context, client fabric.Client, sessionID string, self core.ParticipantID) (*Channel, error) {
	topic := fabric.Topic(fabric.SignalingComponent, sessionID)

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

func (c *Channel) OnOffer(callback func(SDPParams) error) {
	c.onOffer = callback
}

func (c *Channel) OnAnswer(callback func(SDPParams) error) {
	c.onAnswer = callback
}

func (c *Channel) OnCandidate(callback func(ICECandidateParams) error) {
	c.onCandidate = callback
}

func (c *Channel) OnReady(callback func(ReadyParams) error) {
	c.onReady = callback
}

func (c *Channel) PublishOffer(ctx context.Context, sdp *webrtc.SessionDescription) error {
	return c.publish(ctx, NewSDPOfferRpc(sdp, c.self))
}

func (c *Channel) PublishAnswer(ctx context.Context, sdp *webrtc.SessionDescription) error {
	return c.publish(ctx, NewSDPAnswerRpc(sdp, c.self))
}

func (c *Channel) PublishCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	return c.publish(ctx, NewICECandidateRpc(candidate, c.self))
}

// PublishReady announces this side is subscribed and waiting for the
// offer.
func (c *Channel) PublishReady(ctx context.Context) error {
	return c.publish(ctx, NewReadyRpc(c.self))
}

func (c *Channel) publish(ctx context.Context, rpc Rpc) error {
	payload, err := rpc.ToJSON()
	if err != nil {
		return err
	}

	return c.client.Publish(ctx, c.topic, payload)
}

// Start drains the subscription in a goroutine. The returned channel
// closes once the loop is running.
func (c *Channel) Start() <-chan struct{} {
	ready := make(chan struct{})

	go func() {
		close(ready)

		for msg := range c.subscription.Channel() {
			rpc, err := RpcFromReader(bytes.NewReader(msg.Payload))
			if err != nil {
				log.Error().Err(err).Str("service", "signaling").Msg("malformed rpc")
				continue
			}

			if rpc.GetSender() == c.self {
				continue
			}

			c.dispatch(rpc)
		}
	}()

	return ready
}

func (c *Channel) dispatch(rpc Rpc) {
	var err error

	switch msg := rpc.(type) {
	case *SDPRpc:
		switch msg.Method {
		case SDPOfferMethod:
			if c.onOffer != nil {
				err = c.onOffer(msg.Params)
			}
		case SDPAnswerMethod:
			if c.onAnswer != nil {
				err = c.onAnswer(msg.Params)
			}
		}
	case *ICECandidateRpc:
		if c.onCandidate != nil {
			err = c.onCandidate(msg.Params)
		}
	case *ReadyRpc:
		if c.onReady != nil {
			err = c.onReady(msg.Params)
		}
	default:
		log.Error().Str("rpcMethod", string(rpc.GetMethod())).Str("service", "signaling").Msg("undefined method")
		return
	}

	if err != nil {
		log.Error().Err(err).Str("rpcMethod", string(rpc.GetMethod())).Str("service", "signaling").Msg("callback failed")
	}
}

// Close releases the topic subscription; the drain goroutine exits
// when the subscription channel closes.
func (c *Channel) Close() error {
	return c.subscription.Close()
}
