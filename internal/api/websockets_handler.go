package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/olahol/melody"
	"github.com/rs/zerolog/log"

	"github.com/skillswap/meetcore/internal/fabric"
	"github.com/skillswap/meetcore/internal/lifecycle"
)

const (
	wsParticipantSessionKey   = "participantId"
	wsSessionIDSessionKey     = "sessionId"
	wsSubscriptionsSessionKey = "subscriptions"
)

// SocketEnvelope frames every message crossing the websocket: the
// fabric component it belongs to plus the component's own payload.
type SocketEnvelope struct {
	Component fabric.Component `json:"component"`
	Payload   json.RawMessage  `json:"payload"`
}

// socketComponents are the per-session topics bridged to the browser.
var socketComponents = []fabric.Component{
	fabric.SignalingComponent,
	fabric.PresenceComponent,
	fabric.ChatComponent,
	fabric.LifecycleComponent,
}

// MeetingSocketHandler upgrades the request to the meeting's websocket.
// The participant is authorized against the session record first and
// all topic subscriptions are confirmed before the upgrade, so no
// message published after the handshake can be missed.
func MeetingSocketHandler(
	controller *lifecycle.Controller,
	client fabric.Client,
	websocket *melody.Melody,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		participantID, err := participantFromRequest(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		sessionID := chi.URLParam(r, "id")
		if _, err := controller.Load(r.Context(), sessionID, participantID); err != nil {
			writeSessionError(w, err)
			return
		}

		subscriptions := make(map[fabric.Component]fabric.Subscription, len(socketComponents))
		for _, component := range socketComponents {
			subscription, err := client.Subscribe(r.Context(), fabric.Topic(component, sessionID))
			if err != nil {
				for _, opened := range subscriptions {
					opened.Close()
				}
				log.Error().Err(err).Str("service", "api").Msg("meeting topic subscribe failed")
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			subscriptions[component] = subscription
		}

		sessKeys := map[string]interface{}{
			wsParticipantSessionKey:   string(participantID),
			wsSessionIDSessionKey:     sessionID,
			wsSubscriptionsSessionKey: subscriptions,
		}

		if err := websocket.HandleRequestWithKeys(w, r, sessKeys); err != nil {
			log.Error().Err(err).Str("service", "api").Msg("websocket upgrade failed")
		}
	}
}

// ConnectHandler starts forwarding each subscribed topic to the
// socket, framed with its component.
func ConnectHandler(session *melody.Session) {
	subscriptions, err := getMeetingSubscriptions(session)
	if err != nil {
		log.Error().Err(err).Str("service", "api").Msg("extract subscriptions failed")
		session.Close()
		return
	}

	for component, subscription := range subscriptions {
		go func(component fabric.Component, subscription fabric.Subscription) {
			for msg := range subscription.Channel() {
				envelope, err := json.Marshal(SocketEnvelope{
					Component: component,
					Payload:   msg.Payload,
				})
				if err != nil {
					log.Error().Err(err).Str("service", "api").Msg("envelope marshal failed")
					continue
				}
				session.Write(envelope)
			}
		}(component, subscription)
	}
}

// DisconnectHandler releases the topic subscriptions; the forwarding
// goroutines exit when their channels close.
func DisconnectHandler(session *melody.Session) {
	subscriptions, err := getMeetingSubscriptions(session)
	if err != nil {
		log.Error().Err(err).Str("service", "api").Msg("extract subscriptions failed")
		return
	}

	for _, subscription := range subscriptions {
		if err := subscription.Close(); err != nil {
			log.Error().Err(err).Str("service", "api").Msg("subscription close failed")
		}
	}
}

// HandleSocketMessage publishes inbound frames to the matching topic.
// Only signaling and chat may be written from the browser; presence
// and lifecycle change through their own APIs.
func HandleSocketMessage(client fabric.Client) func(s *melody.Session, msg []byte) {
	return func(s *melody.Session, msg []byte) {
		envelope := SocketEnvelope{}
		if err := json.Unmarshal(msg, &envelope); err != nil {
			log.Error().Err(err).Str("service", "api").Msg("malformed socket envelope")
			return
		}

		if envelope.Component != fabric.SignalingComponent && envelope.Component != fabric.ChatComponent {
			log.Warn().Str("service", "api").Str("component", string(envelope.Component)).
				Msg("component is not writable from the socket")
			return
		}

		sessionID, err := getMeetingSessionID(s)
		if err != nil {
			log.Error().Err(err).Str("service", "api").Msg("extract session id failed")
			return
		}

		topic := fabric.Topic(envelope.Component, sessionID)
		if err := client.Publish(s.Request.Context(), topic, envelope.Payload); err != nil {
			log.Error().Err(err).Str("service", "api").Msg("socket publish failed")
		}
	}
}

func getMeetingSubscriptions(s *melody.Session) (map[fabric.Component]fabric.Subscription, error) {
	value, ok := s.Get(wsSubscriptionsSessionKey)
	if !ok {
		return nil, fmt.Errorf("no subscriptions for given session: %+v", s)
	}
	subscriptions, ok := value.(map[fabric.Component]fabric.Subscription)
	if !ok {
		return nil, fmt.Errorf("can't convert subscriptions: %+v", value)
	}
	return subscriptions, nil
}

func getMeetingSessionID(s *melody.Session) (string, error) {
	value, ok := s.Get(wsSessionIDSessionKey)
	if !ok {
		return "", fmt.Errorf("no session id for given session: %+v", s)
	}
	sessionID, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("can't convert session id: %+v", value)
	}
	return sessionID, nil
}
