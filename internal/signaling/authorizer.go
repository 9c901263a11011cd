package signaling

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// RemoteAuthorizer asks the relay whether the token's identity is on a
// room's roster.
type RemoteAuthorizer struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewRemoteAuthorizer(baseURL, token string) *RemoteAuthorizer {
	return &RemoteAuthorizer{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Authorize returns nil when the identity may take part in roomID and
// ErrForbidden when it may not. Anything else is ErrTransport.
func (a *RemoteAuthorizer) Authorize(ctx context.Context, roomID string) error {
	endpoint := fmt.Sprintf("%s/api/rooms/%s/access", a.baseURL, url.PathEscape(roomID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "build access request")
	}
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.http.Do(req)
	if err != nil {
		return transportError(err, "access")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusForbidden, http.StatusUnauthorized, http.StatusNotFound:
		return errors.Wrapf(ErrForbidden, "room %s", roomID)
	default:
		return transportError(fmt.Errorf("status %d", resp.StatusCode), "access")
	}
}
