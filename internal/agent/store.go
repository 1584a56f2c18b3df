package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/skillswap/meetcore/internal/core"
)

// httpSessionStore reads and transitions the session record through
// the public API instead of the database. It lets the agent drive the
// same lifecycle controller a server-side caller would, with the
// server still enforcing every transition rule.
type httpSessionStore struct {
	base   string
	token  string
	client *http.Client
}

func newHTTPSessionStore(base, token string, client *http.Client) *httpSessionStore {
	return &httpSessionStore{base: base, token: token, client: client}
}

func (s *httpSessionStore) FetchSession(ctx context.Context, id string) (*core.Session, error) {
	return s.do(ctx, http.MethodGet, fmt.Sprintf("%s/api/v1/meetings/%s", s.base, id))
}

// UpdateStatus maps the requested target status onto the matching API
// action. The expected `from` status is not sent: the server re-reads
// the record and guards the transition itself, and a lost race comes
// back as a conflict.
func (s *httpSessionStore) UpdateStatus(ctx context.Context, id string, from, to core.SessionStatus, actor core.ParticipantID) (*core.Session, error) {
	var action string
	switch to {
	case core.StatusAccepted:
		action = "accept"
	case core.StatusRejected:
		action = "reject"
	case core.StatusCompleted:
		action = "end"
	default:
		return nil, core.ErrInvalidTransition
	}

	return s.do(ctx, http.MethodPost, fmt.Sprintf("%s/api/v1/meetings/%s/%s", s.base, id, action))
}

func (s *httpSessionStore) do(ctx context.Context, method, url string) (*core.Session, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Auth", s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		return nil, core.ErrNotAuthorized
	case http.StatusNotFound:
		return nil, core.ErrSessionNotFound
	case http.StatusConflict:
		return nil, core.ErrStatusConflict
	default:
		return nil, fmt.Errorf("meeting request failed: %s", resp.Status)
	}

	session := &core.Session{}
	if err := json.NewDecoder(resp.Body).Decode(session); err != nil {
		return nil, err
	}

	return session, nil
}
