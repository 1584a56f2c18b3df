package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/sessions"

	"github.com/skillswap/meetcore/internal/core"
)

type ctxKey string

// ParticipantContextKey is used to extract the authenticated identity
// from the request context.
const ParticipantContextKey ctxKey = "current_participant"

const authSessionName = "meetcore_session"

// AuthFailFunc is called when authentication fails.
type AuthFailFunc func(w http.ResponseWriter, r *http.Request, err error)

// AuthHandler is an optional handler for mocking in tests.
type AuthHandler func(next http.Handler) http.Handler

var (
	xAuth             = http.CanonicalHeaderKey("X-Auth")
	ErrEmptyAuthToken = errors.New("empty auth token")
	ErrNoParticipant  = errors.New("can't get participant from request context")
)

// TokenVerifier resolves an opaque bearer token to the stable identity
// of the external identity provider.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (core.ParticipantID, error)
}

// TokenAuth authenticates requests either by the cookie session or by
// the X-Auth token. The core never mints identities; it only attaches
// the resolved one to the request context.
type TokenAuth struct {
	Verifier     TokenVerifier
	AuthFailFunc AuthFailFunc
	StubHandler  AuthHandler

	cookieStore *sessions.CookieStore
}

func NewTokenAuth(verifier TokenVerifier, cookieSecret []byte) *TokenAuth {
	return &TokenAuth{
		Verifier:    verifier,
		cookieStore: sessions.NewCookieStore(cookieSecret),
	}
}

func (m *TokenAuth) Middleware() AuthHandler {
	if m.StubHandler != nil {
		return m.StubHandler
	}

	return m.defaultMiddleware()
}

func (m *TokenAuth) defaultMiddleware() AuthHandler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookieSession, _ := m.cookieStore.Get(r, authSessionName)
			if id, ok := cookieSession.Values["participant_id"].(string); ok && id != "" {
				ctx := context.WithValue(r.Context(), ParticipantContextKey, core.ParticipantID(id))
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token := r.Header.Get(xAuth)
			if token == "" {
				m.authFailed(w, r, ErrEmptyAuthToken)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()

			participantID, err := m.Verifier.Verify(ctx, token)
			if err != nil {
				m.authFailed(w, r, err)
				return
			}

			reqCtx := context.WithValue(r.Context(), ParticipantContextKey, participantID)
			next.ServeHTTP(w, r.WithContext(reqCtx))
		})
	}
}

func (m *TokenAuth) authFailed(w http.ResponseWriter, r *http.Request, err error) {
	if m.AuthFailFunc != nil {
		m.AuthFailFunc(w, r, err)
	} else {
		w.WriteHeader(http.StatusUnauthorized)
	}
}

// participantFromRequest extracts the authenticated identity from the
// request context.
func participantFromRequest(r *http.Request) (core.ParticipantID, error) {
	participantID, ok := r.Context().Value(ParticipantContextKey).(core.ParticipantID)
	if !ok {
		return "", ErrNoParticipant
	}

	return participantID, nil
}
