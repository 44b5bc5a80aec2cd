// Package helix implements the Twitch Helix REST surface this supervisor
// depends on: token validation/refresh/device-grant, user resolution, chat
// color read/write, and EventSub subscription management. It is a thin,
// explicit wrapper over net/http — no generated SDK.
package helix

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTimeout bounds any single outbound Helix call.
const DefaultTimeout = 10 * time.Second

// Endpoint bases are vars, not consts, so callers (and tests) can point
// the client at an alternate environment, e.g. an httptest server.
var (
	TokenURL     = "https://id.twitch.tv/oauth2/token"
	ValidateURL  = "https://id.twitch.tv/oauth2/validate"
	DeviceURL    = "https://id.twitch.tv/oauth2/device"
	HelixBaseURL = "https://api.twitch.tv/helix"
)

const (
	usersPath    = "/users"
	colorPath    = "/chat/color"
	eventSubPath = "/eventsub/subscriptions"
)

// RequiredScopes lists the OAuth scopes this supervisor requires.
var RequiredScopes = []string{"user:read:chat", "user:manage:chat_color"}

// Client wraps a shared *http.Client with Helix-specific conveniences: a
// per-process rate limiter (paces calls ahead of reactive 429 handling) and
// structured logging of non-2xx responses that never logs secrets.
type Client struct {
	HTTP    *http.Client
	Log     *slog.Logger
	limiter *rate.Limiter

	onOutcome func(op, outcome string)
}

// NewClient builds a Helix client around a shared HTTP client. Passing nil
// for httpClient falls back to http.DefaultClient (tests, mainly).
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		HTTP: httpClient,
		Log:  logger,
		// Paces all identities sharing one Client to 20 requests/s with a
		// burst of 20.
		limiter: rate.NewLimiter(rate.Limit(20), 20),
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// do executes req after waiting on the rate limiter and applying the
// default timeout if the context has no deadline, then logs non-2xx
// responses (status + operation name only — never headers that could
// carry a token).
func (c *Client) do(ctx context.Context, op string, req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
		req = req.WithContext(ctx)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		c.Log.Warn("helix: request failed", "op", op, "err", err)
		return nil, err
	}

	if resp.StatusCode >= 400 {
		c.Log.Warn("helix: non-2xx response", "op", op, "status", resp.StatusCode)
	}
	return resp, nil
}

// readLimited drains and closes a response body, capped to avoid unbounded
// reads from a misbehaving server.
func readLimited(body io.ReadCloser) []byte {
	defer body.Close()
	data, _ := io.ReadAll(io.LimitReader(body, 1<<16))
	return data
}

// retryAfter parses a Retry-After header (seconds or HTTP-date) falling
// back to a conservative default when absent or unparsable.
func retryAfter(resp *http.Response) time.Duration {
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return 2 * time.Second
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(raw); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 2 * time.Second
}

func authHeader(req *http.Request, accessToken, clientID string) {
	req.Header.Set("Authorization", "Bearer "+strings.TrimPrefix(strings.TrimSpace(accessToken), "oauth:"))
	req.Header.Set("Client-Id", strings.TrimSpace(clientID))
}
