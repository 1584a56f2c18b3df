package core

import (
	"time"
)

// ParticipantID is the stable identity of a user as resolved by the
// external identity provider. The core never authenticates; it only
// compares identities.
type ParticipantID string

type Role string

const (
	LearnerRole    Role = "learner"
	InstructorRole Role = "instructor"
)

type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusAccepted  SessionStatus = "accepted"
	StatusRejected  SessionStatus = "rejected"
	StatusCompleted SessionStatus = "completed"
)

// Terminal reports whether no further transitions are permitted.
func (s SessionStatus) Terminal() bool {
	return s == StatusRejected || s == StatusCompleted
}

type SessionKind string

const (
	VideoSession SessionKind = "video"
	AudioSession SessionKind = "audio"
	TextSession  SessionKind = "text"
)

// HasMedia reports whether the session requires a peer media channel.
func (k SessionKind) HasMedia() bool {
	return k == VideoSession || k == AudioSession
}

// Session is the durable connection record between a learner and an
// instructor, scoped to one subject listing. Exactly two identities
// are authorized observers: InitiatorID and CounterpartID.
type Session struct {
	ID            string        `json:"id" db:"id"`
	SubjectID     string        `json:"subject_id" db:"subject_id"`
	InitiatorID   ParticipantID `json:"initiator_id" db:"initiator_id"`
	CounterpartID ParticipantID `json:"counterpart_id" db:"counterpart_id"`
	Status        SessionStatus `json:"status" db:"status"`
	Kind          SessionKind   `json:"kind" db:"kind"`
	CreatedAt     time.Time     `json:"created_at,omitempty" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at,omitempty" db:"updated_at"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty" db:"finished_at"`
}

// HasParticipant reports whether id is one of the two authorized
// observers of the record.
func (s *Session) HasParticipant(id ParticipantID) bool {
	return id == s.InitiatorID || id == s.CounterpartID
}

// RoleOf maps a participant identity to its session role. The
// initiator is always the learner, the subject owner the instructor.
func (s *Session) RoleOf(id ParticipantID) (Role, bool) {
	switch id {
	case s.InitiatorID:
		return LearnerRole, true
	case s.CounterpartID:
		return InstructorRole, true
	}
	return "", false
}

// Peer returns the other participant of the pair.
func (s *Session) Peer(id ParticipantID) ParticipantID {
	if id == s.InitiatorID {
		return s.CounterpartID
	}
	return s.InitiatorID
}

// CanTransition validates a requested status transition against the
// lifecycle rules:
//
//	pending  -> accepted | rejected  (counterpart only)
//	accepted -> completed            (either participant)
//
// Terminal states absorb everything else.
func (s *Session) CanTransition(to SessionStatus, actor ParticipantID) error {
	if !s.HasParticipant(actor) {
		return ErrNotAuthorized
	}
	if s.Status.Terminal() {
		return ErrTerminalStatus
	}

	switch to {
	case StatusAccepted, StatusRejected:
		if s.Status != StatusPending {
			return ErrInvalidTransition
		}
		if actor != s.CounterpartID {
			return ErrNotAuthorized
		}
	case StatusCompleted:
		if s.Status != StatusAccepted {
			return ErrInvalidTransition
		}
	default:
		return ErrInvalidTransition
	}

	return nil
}

// StatusChange is the event emitted on the session's lifecycle topic
// after a committed status transition. Actor identifies the side that
// caused it, so observers can suppress their own transitions.
type StatusChange struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
	Actor     ParticipantID `json:"actor"`
}
