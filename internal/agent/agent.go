// Package agent is a headless meeting participant. It joins a meeting
// through the public API and websocket like a browser would, streams a
// prerecorded file as its video and logs the chat. Useful for load
// checks and for keeping a second side online in development.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/skillswap/meetcore/internal/chat"
	"github.com/skillswap/meetcore/internal/config"
	"github.com/skillswap/meetcore/internal/core"
	"github.com/skillswap/meetcore/internal/fabric"
	"github.com/skillswap/meetcore/internal/lifecycle"
	"github.com/skillswap/meetcore/internal/media"
	"github.com/skillswap/meetcore/internal/meeting"
	"github.com/skillswap/meetcore/internal/negotiation"
	"github.com/skillswap/meetcore/internal/signaling"
)

type Options struct {
	Host      string
	Token     string
	MeetingID string
	Self      core.ParticipantID
	VideoFile string
	TLS       bool

	// Fabric, when set, makes the agent talk to the topics directly
	// instead of bridging them over the meeting websocket. Presence is
	// then fully functional and the whole meeting view is assembled
	// in-process.
	Fabric fabric.Client
}

type Agent struct {
	opts   Options
	client *http.Client
}

func New(opts Options) *Agent {
	return &Agent{
		opts: opts,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Start joins the meeting and blocks until the connection drops or the
// process is interrupted.
func (a *Agent) Start(ctx context.Context) error {
	session, err := a.fetchMeeting(ctx)
	if err != nil {
		return err
	}
	if !session.HasParticipant(a.opts.Self) {
		return fmt.Errorf("identity %q is not a participant of meeting %s", a.opts.Self, session.ID)
	}

	if a.opts.Fabric != nil {
		return a.startDirect(ctx)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	dialer := &websocket.Dialer{HandshakeTimeout: 45 * time.Second}
	header := http.Header{}
	header.Set("X-Auth", a.opts.Token)

	conn, resp, err := dialer.Dial(a.socketURL(), header)
	if err != nil {
		return err
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	fabricClient := newSocketClient(conn)

	signalChannel, err := signaling.Open(ctx, fabricClient, session.ID, a.opts.Self)
	if err != nil {
		return err
	}
	defer signalChannel.Close()

	chatChannel, err := chat.Open(ctx, fabricClient, session.ID, a.opts.Self)
	if err != nil {
		return err
	}
	defer chatChannel.Close()
	chatChannel.OnMessage(func(msg chat.Message) {
		log.Info().Str("service", "agent").Str("sender", string(msg.SenderID)).Msg(msg.Content)
	})
	<-chatChannel.Start()

	rtcConfig, err := config.NewWebRTCConfig(config.RTCConfig{
		StunServers:       config.DefaultStunServers,
		ICEPortRangeStart: 50000,
		ICEPortRangeEnd:   60000,
	})
	if err != nil {
		return err
	}
	webrtcAPI, err := rtcConfig.NewAPI(nil)
	if err != nil {
		return err
	}

	engine := negotiation.NewEngine(signalChannel, session, a.opts.Self, negotiation.Options{
		API:           webrtcAPI,
		Configuration: rtcConfig.Configuration,
	})
	defer engine.Close()

	done := make(chan struct{})
	var doneOnce sync.Once
	engine.OnStateChange(func(state negotiation.State) {
		log.Info().Str("service", "agent").Str("state", string(state)).Msg("negotiation state changed")
		if state == negotiation.StateFailed || state == negotiation.StateClosed {
			doneOnce.Do(func() { close(done) })
		}
	})
	var stream media.Stream
	if a.opts.VideoFile != "" && session.Kind == core.VideoSession {
		stream, err = media.NewFileAcquirer(a.opts.VideoFile).Acquire(ctx, session.Kind)
		if err != nil {
			return err
		}
		defer stream.Close()
	}

	<-signalChannel.Start()
	if err := engine.Start(ctx, stream); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-interrupt:
		log.Info().Str("service", "agent").Msg("interrupt")

		// Cleanly close the connection by sending a close message and
		// then waiting (with timeout) for the server to close it.
		err := conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		if err != nil {
			return err
		}

		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return nil
	}
}

// startDirect assembles the full meeting view over the given fabric
// client. The session record is still read and transitioned through
// the public API, so the server keeps enforcing the lifecycle rules.
func (a *Agent) startDirect(ctx context.Context) error {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	store := newHTTPSessionStore(a.baseURL(), a.opts.Token, a.client)
	controller := lifecycle.NewController(store, a.opts.Fabric)

	rtcConfig, err := config.NewWebRTCConfig(config.RTCConfig{
		StunServers:       config.DefaultStunServers,
		ICEPortRangeStart: 50000,
		ICEPortRangeEnd:   60000,
	})
	if err != nil {
		return err
	}
	webrtcAPI, err := rtcConfig.NewAPI(nil)
	if err != nil {
		return err
	}

	opener := meeting.NewOpener(controller, a.opts.Fabric, media.NewFileAcquirer(a.opts.VideoFile), negotiation.Options{
		API:           webrtcAPI,
		Configuration: rtcConfig.Configuration,
	})

	view, err := opener.Open(ctx, a.opts.MeetingID, a.opts.Self)
	if err != nil {
		return err
	}
	defer view.Close()

	ended := make(chan core.StatusChange, 1)
	view.OnEnded(func(change core.StatusChange) { ended <- change })
	view.Chat().OnMessage(func(msg chat.Message) {
		log.Info().Str("service", "agent").Str("sender", string(msg.SenderID)).Msg(msg.Content)
	})

	if deviceErr := view.DeviceError(); deviceErr != nil {
		log.Warn().Err(deviceErr).Str("service", "agent").Msg("no local media, staying in chat")
	}

	select {
	case change := <-ended:
		log.Info().Str("service", "agent").Str("status", string(change.Status)).Msg("meeting ended by peer")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-interrupt:
		log.Info().Str("service", "agent").Msg("interrupt")
		return view.End(context.Background())
	}
}

func (a *Agent) fetchMeeting(ctx context.Context) (*core.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.meetingURL(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Auth", a.opts.Token)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("meeting is not joinable: %s", resp.Status)
	}

	session := &core.Session{}
	if err := json.NewDecoder(resp.Body).Decode(session); err != nil {
		return nil, err
	}

	return session, nil
}

func (a *Agent) baseURL() string {
	scheme := "http"
	if a.opts.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, a.opts.Host)
}

func (a *Agent) meetingURL() string {
	return fmt.Sprintf("%s/api/v1/meetings/%s", a.baseURL(), a.opts.MeetingID)
}

func (a *Agent) socketURL() string {
	scheme := "ws"
	if a.opts.TLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/api/v1/meetings/%s/ws", scheme, a.opts.Host, a.opts.MeetingID)
}
