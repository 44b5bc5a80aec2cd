package helix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ValidateResult is the decoded response of GET /oauth2/validate.
type ValidateResult struct {
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// Validate checks an access token and returns its login, user id, scopes,
// and remaining lifetime. Any 401 is surfaced as ErrTokenInvalid.
func (c *Client) Validate(ctx context.Context, accessToken string) (ValidateResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ValidateURL, nil)
	if err != nil {
		return ValidateResult{}, fmt.Errorf("helix: build validate request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+strings.TrimPrefix(strings.TrimSpace(accessToken), "oauth:"))

	resp, err := c.do(ctx, "validate", req)
	if err != nil {
		return ValidateResult{}, err
	}
	body := readLimited(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		c.IncOutcome("validate", "token_invalid")
		return ValidateResult{}, ErrTokenInvalid
	}
	if resp.StatusCode != http.StatusOK {
		c.IncOutcome("validate", "error")
		return ValidateResult{}, fmt.Errorf("helix: validate status %d", resp.StatusCode)
	}

	var parsed ValidateResult
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ValidateResult{}, fmt.Errorf("helix: decode validate response: %w", err)
	}
	c.IncOutcome("validate", "success")
	return parsed, nil
}

// HasRequiredScopes reports whether scopes is a superset of RequiredScopes.
func HasRequiredScopes(scopes []string) bool {
	have := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		have[s] = struct{}{}
	}
	for _, want := range RequiredScopes {
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}

// RefreshResult is the decoded response of the refresh_token grant.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string // may be empty if Twitch did not rotate it
	ExpiresIn    time.Duration
}

type tokenGrantResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Status       int    `json:"status"`
	Message      string `json:"message"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// Refresh exchanges a refresh token for a new access token. Non-2xx
// responses are surfaced as ErrRefreshFailed.
func (c *Client) Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (RefreshResult, error) {
	clientID = strings.TrimSpace(clientID)
	clientSecret = strings.TrimSpace(clientSecret)
	refreshToken = strings.TrimSpace(refreshToken)
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return RefreshResult{}, fmt.Errorf("%w: missing client credentials or refresh token", ErrRefreshFailed)
	}

	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return RefreshResult{}, fmt.Errorf("helix: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(ctx, "refresh", req)
	if err != nil {
		return RefreshResult{}, err
	}
	body := readLimited(resp.Body)

	var parsed tokenGrantResponse
	_ = json.Unmarshal(body, &parsed)

	if resp.StatusCode != http.StatusOK {
		c.IncOutcome("refresh", "error")
		msg := firstNonEmpty(parsed.Message, parsed.ErrorDesc, parsed.Error)
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return RefreshResult{}, fmt.Errorf("%w: %s", ErrRefreshFailed, msg)
	}

	if strings.TrimSpace(parsed.AccessToken) == "" {
		c.IncOutcome("refresh", "error")
		return RefreshResult{}, fmt.Errorf("%w: empty access token", ErrRefreshFailed)
	}

	expiresIn := time.Duration(parsed.ExpiresIn) * time.Second
	if parsed.ExpiresIn <= 0 {
		expiresIn = time.Hour
	}

	c.IncOutcome("refresh", "success")
	return RefreshResult{
		AccessToken:  strings.TrimSpace(parsed.AccessToken),
		RefreshToken: strings.TrimSpace(parsed.RefreshToken),
		ExpiresIn:    expiresIn,
	}, nil
}

// DeviceStartResult is the decoded response of POST /oauth2/device.
type DeviceStartResult struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	Interval        time.Duration
	ExpiresIn       time.Duration
}

type deviceStartResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	Interval        int    `json:"interval"`
	ExpiresIn       int    `json:"expires_in"`
}

// DeviceStart begins the device authorization grant.
func (c *Client) DeviceStart(ctx context.Context, clientID string, scopes []string) (DeviceStartResult, error) {
	form := url.Values{}
	form.Set("client_id", strings.TrimSpace(clientID))
	form.Set("scopes", strings.Join(scopes, " "))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, DeviceURL, strings.NewReader(form.Encode()))
	if err != nil {
		return DeviceStartResult{}, fmt.Errorf("helix: build device start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(ctx, "device_start", req)
	if err != nil {
		return DeviceStartResult{}, err
	}
	body := readLimited(resp.Body)

	if resp.StatusCode >= 400 {
		c.IncOutcome("device_start", "error")
		return DeviceStartResult{}, fmt.Errorf("%w: status %d", ErrDeviceStartFailed, resp.StatusCode)
	}

	var parsed deviceStartResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return DeviceStartResult{}, fmt.Errorf("helix: decode device start response: %w", err)
	}

	interval := time.Duration(parsed.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	c.IncOutcome("device_start", "success")
	return DeviceStartResult{
		DeviceCode:      parsed.DeviceCode,
		UserCode:        parsed.UserCode,
		VerificationURI: parsed.VerificationURI,
		Interval:        interval,
		ExpiresIn:       time.Duration(parsed.ExpiresIn) * time.Second,
	}, nil
}

// DevicePollOutcome discriminates the four shapes a device poll can
// return: granted, pending, slow_down, and terminally failed.
type DevicePollOutcome int

const (
	DevicePollGranted DevicePollOutcome = iota
	DevicePollPending
	DevicePollSlowDown
	DevicePollFailed
)

// DevicePollResult is returned by DevicePoll.
type DevicePollResult struct {
	Outcome DevicePollOutcome
	Tokens  RefreshResult // valid only when Outcome == DevicePollGranted
	Fail    *ErrDeviceFailed
}

// DevicePoll polls the token endpoint once using the device_code grant.
func (c *Client) DevicePoll(ctx context.Context, clientID, clientSecret, deviceCode string) (DevicePollResult, error) {
	form := url.Values{}
	form.Set("client_id", strings.TrimSpace(clientID))
	if strings.TrimSpace(clientSecret) != "" {
		form.Set("client_secret", strings.TrimSpace(clientSecret))
	}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
	form.Set("device_code", deviceCode)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return DevicePollResult{}, fmt.Errorf("helix: build device poll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(ctx, "device_poll", req)
	if err != nil {
		return DevicePollResult{}, err
	}
	body := readLimited(resp.Body)

	var parsed tokenGrantResponse
	_ = json.Unmarshal(body, &parsed)

	if resp.StatusCode == http.StatusOK && strings.TrimSpace(parsed.AccessToken) != "" {
		expiresIn := time.Duration(parsed.ExpiresIn) * time.Second
		if parsed.ExpiresIn <= 0 {
			expiresIn = time.Hour
		}
		c.IncOutcome("device_poll", "granted")
		return DevicePollResult{
			Outcome: DevicePollGranted,
			Tokens: RefreshResult{
				AccessToken:  strings.TrimSpace(parsed.AccessToken),
				RefreshToken: strings.TrimSpace(parsed.RefreshToken),
				ExpiresIn:    expiresIn,
			},
		}, nil
	}

	switch parsed.Error {
	case "authorization_pending":
		c.IncOutcome("device_poll", "pending")
		return DevicePollResult{Outcome: DevicePollPending}, nil
	case "slow_down":
		c.IncOutcome("device_poll", "slow_down")
		return DevicePollResult{Outcome: DevicePollSlowDown}, nil
	case "access_denied":
		c.IncOutcome("device_poll", "access_denied")
		fail := &ErrDeviceFailed{Kind: DeviceFailAccessDenied}
		return DevicePollResult{Outcome: DevicePollFailed, Fail: fail}, fail
	case "expired_token":
		c.IncOutcome("device_poll", "expired_token")
		fail := &ErrDeviceFailed{Kind: DeviceFailExpiredToken}
		return DevicePollResult{Outcome: DevicePollFailed, Fail: fail}, fail
	default:
		c.IncOutcome("device_poll", "error")
		return DevicePollResult{}, fmt.Errorf("helix: device poll status %d: %s", resp.StatusCode, parsed.Error)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// IncOutcome records a Helix call outcome if a metrics sink is attached.
// Defined here (rather than in the caller) so every operation reports
// consistently; a no-op metrics hook can be swapped in by tests.
func (c *Client) IncOutcome(op, outcome string) {
	if c.onOutcome != nil {
		c.onOutcome(op, outcome)
	}
}

// OnOutcome registers a callback invoked after every Helix call with the
// operation name and outcome label, used to feed diag.Metrics without this
// package importing it directly (keeps helix dependency-free of diag).
func (c *Client) OnOutcome(fn func(op, outcome string)) {
	c.onOutcome = fn
}
