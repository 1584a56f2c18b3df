package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// SessionStore is the narrow surface of the session store
// collaborator. Mutation rules (who may transition what) are enforced
// by the lifecycle controller; the store enforces the guards that must
// hold under concurrency.
type SessionStore interface {
	FetchSession(ctx context.Context, id string) (*Session, error)
	UpdateStatus(ctx context.Context, id string, from, to SessionStatus, actor ParticipantID) (*Session, error)
}

type SessionsRepository struct {
	db *sqlx.DB
}

func NewSessionsRepository(db *sqlx.DB) *SessionsRepository {
	return &SessionsRepository{db: db}
}

func (r *SessionsRepository) FetchSession(ctx context.Context, id string) (*Session, error) {
	session := &Session{}

	err := r.db.GetContext(ctx, session,
		`SELECT
			id,
			subject_id,
			initiator_id,
			counterpart_id,
			status,
			kind,
			created_at,
			updated_at,
			finished_at
		FROM sessions
		WHERE id = $1 LIMIT 1`,
		id,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	return session, nil
}

// UpdateStatus performs a guarded transition: the row is updated only
// if it is still in the expected `from` status and the actor is one of
// the two participants. Zero matched rows means the peer raced us;
// callers re-fetch and decide whether that is a conflict or a no-op.
func (r *SessionsRepository) UpdateStatus(ctx context.Context, id string, from, to SessionStatus, actor ParticipantID) (*Session, error) {
	session := &Session{}

	var finishedAt *time.Time
	if to.Terminal() {
		now := time.Now().UTC()
		finishedAt = &now
	}

	err := r.db.GetContext(ctx, session,
		`UPDATE sessions SET
			status = $1,
			updated_at = NOW(),
			finished_at = COALESCE($2, finished_at)
		WHERE id = $3
			AND status = $4
			AND (initiator_id = $5 OR counterpart_id = $5)
		RETURNING
			id,
			subject_id,
			initiator_id,
			counterpart_id,
			status,
			kind,
			created_at,
			updated_at,
			finished_at`,
		string(to),
		finishedAt,
		id,
		string(from),
		string(actor),
	)
	if err == sql.ErrNoRows {
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, err
	}

	return session, nil
}
