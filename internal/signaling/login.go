package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Login exchanges credentials for a relay token and the participant id it
// carries.
func Login(ctx context.Context, baseURL, username, password string) (token, userID string, err error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return "", "", errors.Wrap(err, "encode login")
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/api/auth/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", "", errors.Wrap(err, "build login request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return "", "", transportError(err, "login")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", transportError(fmt.Errorf("status %d", resp.StatusCode), "login")
	}

	var out struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", transportError(err, "decode login")
	}
	return out.Token, out.UserID, nil
}
