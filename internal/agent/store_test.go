package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillswap/meetcore/internal/core"
)

func storeServer(t *testing.T, handler http.HandlerFunc) *httpSessionStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return newHTTPSessionStore(server.URL, "token-1", server.Client())
}

func TestHTTPStoreFetchSession(t *testing.T) {
	store := storeServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/meetings/session-1", r.URL.Path)
		assert.Equal(t, "token-1", r.Header.Get("X-Auth"))

		json.NewEncoder(w).Encode(&core.Session{ID: "session-1", Status: core.StatusAccepted})
	})

	session, err := store.FetchSession(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, "session-1", session.ID)
	assert.Equal(t, core.StatusAccepted, session.Status)
}

func TestHTTPStoreUpdateStatusActions(t *testing.T) {
	var requested string
	store := storeServer(t, func(w http.ResponseWriter, r *http.Request) {
		requested = r.Method + " " + r.URL.Path
		json.NewEncoder(w).Encode(&core.Session{ID: "session-1"})
	})

	cases := []struct {
		to     core.SessionStatus
		action string
	}{
		{core.StatusAccepted, "accept"},
		{core.StatusRejected, "reject"},
		{core.StatusCompleted, "end"},
	}

	for _, tc := range cases {
		_, err := store.UpdateStatus(context.Background(), "session-1", core.StatusPending, tc.to, "instructor-1")
		require.NoError(t, err)
		assert.Equal(t, "POST /api/v1/meetings/session-1/"+tc.action, requested)
	}

	_, err := store.UpdateStatus(context.Background(), "session-1", core.StatusPending, core.StatusPending, "instructor-1")
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestHTTPStoreErrorMapping(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{http.StatusForbidden, core.ErrNotAuthorized},
		{http.StatusNotFound, core.ErrSessionNotFound},
		{http.StatusConflict, core.ErrStatusConflict},
	}

	for _, tc := range cases {
		store := storeServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
		})

		_, err := store.FetchSession(context.Background(), "session-1")
		assert.ErrorIs(t, err, tc.want)
	}

	store := storeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := store.FetchSession(context.Background(), "session-1")
	assert.Error(t, err)
}
