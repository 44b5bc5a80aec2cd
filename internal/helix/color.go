package helix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// hexUnavailableMarkers are substrings seen in Helix error bodies when an
// account without Prime/Turbo attempts a hex color. The exact wording may
// change, so the markers are kept in one package-level list separate from
// the matcher; the raw body of a rejected put_color is logged when none of
// these match.
var hexUnavailableMarkers = []string{
	"turbo or prime",
	"hex color code",
}

func looksHexUnavailable(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range hexUnavailableMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

type colorResponse struct {
	Data []struct {
		UserID string `json:"user_id"`
		Color  string `json:"color"`
	} `json:"data"`
}

// GetColor returns the account's current chat color, or "" if unset.
func (c *Client) GetColor(ctx context.Context, accessToken, clientID, userID string) (string, error) {
	endpoint := strings.TrimSuffix(HelixBaseURL, "/") + colorPath + "?user_id=" + url.QueryEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("helix: build get_color request: %w", err)
	}
	authHeader(req, accessToken, clientID)

	resp, err := c.do(ctx, "get_color", req)
	if err != nil {
		return "", err
	}
	body := readLimited(resp.Body)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		c.IncOutcome("get_color", "token_invalid")
		return "", ErrTokenInvalid
	case http.StatusNotFound:
		c.IncOutcome("get_color", "not_found")
		return "", nil
	case http.StatusOK:
	default:
		c.IncOutcome("get_color", "error")
		return "", fmt.Errorf("helix: get_color status %d", resp.StatusCode)
	}

	var parsed colorResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("helix: decode get_color response: %w", err)
	}
	c.IncOutcome("get_color", "success")
	if len(parsed.Data) == 0 {
		return "", nil
	}
	return parsed.Data[0].Color, nil
}

// PutColor sets the account's chat color. color is either a preset name or
// a "#rrggbb" hex string (Helix accepts it URL-escaped). HexUnavailable is
// returned only when the rejected color was itself hex, letting the caller
// decide whether to strike the account toward preset-only mode.
func (c *Client) PutColor(ctx context.Context, accessToken, clientID, userID, color string) error {
	endpoint := strings.TrimSuffix(HelixBaseURL, "/") + colorPath +
		"?user_id=" + url.QueryEscape(userID) + "&color=" + url.QueryEscape(color)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return fmt.Errorf("helix: build put_color request: %w", err)
	}
	authHeader(req, accessToken, clientID)

	resp, err := c.do(ctx, "put_color", req)
	if err != nil {
		return err
	}
	body := readLimited(resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		c.IncOutcome("put_color", "success")
		return nil
	case http.StatusUnauthorized:
		c.IncOutcome("put_color", "token_invalid")
		return ErrTokenInvalid
	case http.StatusTooManyRequests:
		c.IncOutcome("put_color", "rate_limited")
		return &ErrRateLimited{RetryAfter: retryAfter(resp)}
	case http.StatusBadRequest, http.StatusForbidden:
		isHex := strings.HasPrefix(strings.TrimSpace(color), "#")
		if isHex && looksHexUnavailable(string(body)) {
			c.IncOutcome("put_color", "hex_unavailable")
			return ErrHexUnavailable
		}
		c.Log.Warn("helix: put_color rejected; body did not match known hex-unavailable markers",
			"status", resp.StatusCode, "is_hex", isHex, "body", string(body))
		c.IncOutcome("put_color", "error")
		return fmt.Errorf("helix: put_color status %d", resp.StatusCode)
	default:
		c.IncOutcome("put_color", "error")
		return fmt.Errorf("helix: put_color status %d", resp.StatusCode)
	}
}
