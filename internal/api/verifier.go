package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/skillswap/meetcore/internal/core"
)

// IdentityVerifier resolves tokens against the external identity
// provider over HTTP.
type IdentityVerifier struct {
	Addr       string
	HTTPClient *http.Client
}

func NewIdentityVerifier(addr string) *IdentityVerifier {
	return &IdentityVerifier{
		Addr:       addr,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type verifyResponse struct {
	ParticipantID string `json:"participant_id"`
}

func (v *IdentityVerifier) Verify(ctx context.Context, token string) (core.ParticipantID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.Addr+"/verify", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(xAuth, token)

	resp, err := v.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity provider rejected the token: %s", resp.Status)
	}

	verified := verifyResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&verified); err != nil {
		return "", err
	}
	if verified.ParticipantID == "" {
		return "", fmt.Errorf("identity provider returned no participant id")
	}

	return core.ParticipantID(verified.ParticipantID), nil
}
