package helix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

type usersResponse struct {
	Data []struct {
		ID    string `json:"id"`
		Login string `json:"login"`
	} `json:"data"`
}

// ResolveUsers resolves up to 100 logins to their numeric Helix user ids in
// a single batched call, returning a map keyed by lowercase login.
func (c *Client) ResolveUsers(ctx context.Context, accessToken, clientID string, logins []string) (map[string]string, error) {
	if len(logins) == 0 {
		return map[string]string{}, nil
	}
	if len(logins) > 100 {
		logins = logins[:100]
	}

	q := url.Values{}
	for _, l := range logins {
		q.Add("login", strings.ToLower(strings.TrimSpace(l)))
	}

	endpoint := strings.TrimSuffix(HelixBaseURL, "/") + usersPath + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("helix: build resolve_user request: %w", err)
	}
	authHeader(req, accessToken, clientID)

	resp, err := c.do(ctx, "resolve_user", req)
	if err != nil {
		return nil, err
	}
	body := readLimited(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		c.IncOutcome("resolve_user", "token_invalid")
		return nil, ErrTokenInvalid
	}
	if resp.StatusCode != http.StatusOK {
		c.IncOutcome("resolve_user", "error")
		return nil, fmt.Errorf("helix: resolve_user status %d", resp.StatusCode)
	}

	var parsed usersResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("helix: decode resolve_user response: %w", err)
	}

	out := make(map[string]string, len(parsed.Data))
	for _, u := range parsed.Data {
		out[strings.ToLower(u.Login)] = u.ID
	}
	c.IncOutcome("resolve_user", "success")
	return out, nil
}
