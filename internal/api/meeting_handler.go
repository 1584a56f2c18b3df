package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/skillswap/meetcore/internal/core"
	"github.com/skillswap/meetcore/internal/lifecycle"
)

// MeetingShowHandler returns the session record of a joinable meeting.
// Outsiders get 403 without learning whether the record exists in a
// joinable state; participants of a non-accepted session get 404.
func MeetingShowHandler(controller *lifecycle.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		participantID, err := participantFromRequest(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		session, err := controller.Load(r.Context(), chi.URLParam(r, "id"), participantID)
		if err != nil {
			writeSessionError(w, err)
			return
		}

		writeSession(w, session)
	}
}

// MeetingAcceptHandler moves a pending session to accepted.
func MeetingAcceptHandler(controller *lifecycle.Controller) http.HandlerFunc {
	return transitionHandler(controller.Accept)
}

// MeetingRejectHandler moves a pending session to rejected.
func MeetingRejectHandler(controller *lifecycle.Controller) http.HandlerFunc {
	return transitionHandler(controller.Reject)
}

// MeetingEndHandler completes an accepted session. Ending an already
// completed session responds 200 with the record unchanged.
func MeetingEndHandler(controller *lifecycle.Controller) http.HandlerFunc {
	return transitionHandler(controller.End)
}

type transitionFunc func(ctx context.Context, id string, self core.ParticipantID) (*core.Session, error)

func transitionHandler(transition transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		participantID, err := participantFromRequest(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		session, err := transition(r.Context(), chi.URLParam(r, "id"), participantID)
		if err != nil {
			writeSessionError(w, err)
			return
		}

		writeSession(w, session)
	}
}

func writeSession(w http.ResponseWriter, session *core.Session) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(session); err != nil {
		log.Error().Err(err).Str("service", "api").Msg("session encode failed")
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotAuthorized):
		w.WriteHeader(http.StatusForbidden)
	case errors.Is(err, core.ErrSessionNotFound):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, core.ErrTerminalStatus),
		errors.Is(err, core.ErrStatusConflict):
		w.WriteHeader(http.StatusConflict)
	default:
		log.Error().Err(err).Str("service", "api").Msg("session operation failed")
		w.WriteHeader(http.StatusInternalServerError)
	}
}
