// Package tokenlifecycle manages the OAuth token state machine for a
// single identity: validation, proactive refresh ahead of expiry, device
// authorization grant provisioning for identities with no stored token,
// and on-401 reactive refresh. It generalizes a background-refresh loop
// from a single hardcoded account to one instance per managed identity.
package tokenlifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hpwn/colorchanger/internal/configstore"
	"github.com/hpwn/colorchanger/internal/helix"
)

// State is the lifecycle's current position in the token state machine.
type State int

const (
	StateUnknown State = iota
	StateProvisioning
	StateValid
	StateExpiring
	StateRefreshing
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateValid:
		return "valid"
	case StateExpiring:
		return "expiring"
	case StateRefreshing:
		return "refreshing"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

const (
	tickInterval     = 600 * time.Second
	baseSafetyBuffer = 3600 * time.Second
	driftThreshold   = 60 * time.Second
	devicePollCap    = 10 * time.Minute

	refreshMaxAttempts = 3
	refreshRetryBase   = 2 * time.Second
)

// Hooks lets the Identity Supervisor react to lifecycle transitions
// without tokenlifecycle depending on eventsub or router directly.
// OnCredentialsChanged must fire, and its caller must finish acting on
// it, before any subscription-facing hook observes the new token —
// tokenlifecycle guarantees this by calling it synchronously from inside
// refresh/provision, before returning control to the caller.
type Hooks struct {
	OnCredentialsChanged func(ctx context.Context, res helix.RefreshResult)
	OnTokenInvalid       func(ctx context.Context)
	OnStateChanged       func(state State)
}

// Lifecycle owns one identity's token state. It is not safe for
// concurrent use from multiple goroutines except via NotifyUnauthorized,
// which is designed to be called from a reader goroutine while Run's
// owning goroutine is elsewhere.
type Lifecycle struct {
	username     string
	clientID     string
	clientSecret string

	client *helix.Client
	store  *configstore.Store
	log    *slog.Logger
	hooks  Hooks

	mu           sync.Mutex
	state        State
	accessToken  string
	refreshToken string
	expiry       time.Time
	safetyBuffer time.Duration

	refreshMaxAttempts int
	refreshRetryBase   time.Duration

	wake chan struct{}
}

// New builds a Lifecycle seeded from id's currently stored credentials.
func New(id configstore.Identity, client *helix.Client, store *configstore.Store, logger *slog.Logger, hooks Hooks) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Lifecycle{
		username:     id.Username,
		clientID:     id.ClientID,
		clientSecret: id.ClientSecret,
		client:       client,
		store:        store,
		log:          logger,
		hooks:        hooks,
		accessToken:  id.AccessToken,
		refreshToken: id.RefreshToken,
		safetyBuffer: baseSafetyBuffer,

		refreshMaxAttempts: refreshMaxAttempts,
		refreshRetryBase:   refreshRetryBase,

		wake:  make(chan struct{}, 1),
		state: StateUnknown,
	}
	if id.TokenExpiry != nil {
		l.expiry = *id.TokenExpiry
	}
	if id.NeedsProvisioning() {
		l.state = StateProvisioning
	}
	return l
}

// WithRefreshRetryPolicy overrides the refresh retry attempt count and
// base backoff, used by tests that need the exponential retry loop to
// finish on a compressed timescale instead of real seconds.
func (l *Lifecycle) WithRefreshRetryPolicy(base time.Duration, attempts int) *Lifecycle {
	l.refreshRetryBase = base
	l.refreshMaxAttempts = attempts
	return l
}

// State reports the lifecycle's current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// AccessToken returns the current bearer token for use by callers (chat
// color apply, EventSub auth) — always the freshest value Refresh stored.
func (l *Lifecycle) AccessToken() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accessToken
}

// NotifyUnauthorized wakes the background loop to refresh immediately
// after a caller observes helix.ErrTokenInvalid from a live API call,
// rather than waiting for the next tick.
func (l *Lifecycle) NotifyUnauthorized() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drives the lifecycle until ctx is cancelled: a ~600s tick plus
// reactive wakeups from NotifyUnauthorized.
func (l *Lifecycle) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	l.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.check(ctx)
		case <-l.wake:
			// A live caller already saw ErrTokenInvalid, so refresh
			// unconditionally rather than re-checking the safety buffer.
			if err := l.refresh(ctx); err != nil {
				l.log.Warn("tokenlifecycle: reactive refresh failed", "username", l.username, "err", err)
			}
		}
	}
}

func (l *Lifecycle) check(ctx context.Context) {
	l.mu.Lock()
	needsProvisioning := l.accessToken == ""
	remaining := time.Until(l.expiry)
	buffer := l.safetyBuffer
	l.mu.Unlock()

	if needsProvisioning {
		l.setState(StateProvisioning)
		return
	}

	if remaining > buffer {
		l.setState(StateValid)
		return
	}

	if remaining > 0 {
		l.setState(StateExpiring)
	}

	if err := l.refresh(ctx); err != nil {
		l.log.Warn("tokenlifecycle: refresh failed", "username", l.username, "err", err)
	}
}

// refresh exchanges the stored refresh token for a new access token,
// persists it, widens the safety buffer if the refresh ran later than
// intended, and fires OnCredentialsChanged before returning.
//
// A failure classified as ErrRefreshFailed is retried with exponential
// backoff, up to refreshMaxAttempts attempts in total — the refresh token
// itself may simply be momentarily rejected. Only once every attempt has
// failed does refresh give up: it clears the stored credentials and
// drops the identity to StateProvisioning so the supervisor runs the
// device authorization grant again, instead of ticking forever against
// a refresh token that can never succeed.
func (l *Lifecycle) refresh(ctx context.Context) error {
	l.mu.Lock()
	refreshToken := l.refreshToken
	wasLate := time.Until(l.expiry) < -driftThreshold
	l.mu.Unlock()

	l.setState(StateRefreshing)

	backoff := l.refreshRetryBase
	var res helix.RefreshResult
	var err error
	for attempt := 1; attempt <= l.refreshMaxAttempts; attempt++ {
		res, err = l.client.Refresh(ctx, l.clientID, l.clientSecret, refreshToken)
		if err == nil {
			break
		}
		if !errors.Is(err, helix.ErrRefreshFailed) {
			return err
		}
		if attempt == l.refreshMaxAttempts {
			break
		}
		l.log.Warn("tokenlifecycle: refresh attempt failed, retrying",
			"username", l.username, "attempt", attempt, "err", err)
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
		backoff *= 2
	}

	if err != nil {
		l.log.Warn("tokenlifecycle: refresh exhausted all attempts, dropping to provisioning",
			"username", l.username, "attempts", l.refreshMaxAttempts, "err", err)

		l.mu.Lock()
		l.accessToken = ""
		l.refreshToken = ""
		l.expiry = time.Time{}
		l.mu.Unlock()

		empty := ""
		if _, persistErr := l.store.UpdateUser(l.username, configstore.Patch{
			AccessToken:  &empty,
			RefreshToken: &empty,
			TokenExpiry:  ptrPtr(nil),
		}); persistErr != nil {
			l.log.Warn("tokenlifecycle: persist cleared credentials failed", "username", l.username, "err", persistErr)
		}

		if l.hooks.OnTokenInvalid != nil {
			l.hooks.OnTokenInvalid(ctx)
		}
		l.setState(StateProvisioning)
		return err
	}

	newExpiry := time.Now().Add(res.ExpiresIn)

	l.mu.Lock()
	l.accessToken = res.AccessToken
	l.refreshToken = res.RefreshToken
	l.expiry = newExpiry
	if wasLate {
		l.safetyBuffer *= 2
	}
	buffer := l.safetyBuffer
	l.mu.Unlock()

	if _, err := l.store.UpdateUser(l.username, configstore.Patch{
		AccessToken:  &res.AccessToken,
		RefreshToken: &res.RefreshToken,
		TokenExpiry:  ptrPtr(&newExpiry),
	}); err != nil {
		l.log.Warn("tokenlifecycle: persist refreshed tokens failed", "username", l.username, "err", err)
	}

	l.log.Info("tokenlifecycle: refreshed", "username", l.username, "safety_buffer", buffer)

	if l.hooks.OnCredentialsChanged != nil {
		l.hooks.OnCredentialsChanged(ctx, res)
	}

	l.setState(StateValid)
	return nil
}

// Validate confirms the current access token is live and carries the
// required scopes; a token rejected as invalid is refreshed once, in
// this call, and the new token validated. Used by the Identity
// Supervisor during startup before opening an EventSub session.
func (l *Lifecycle) Validate(ctx context.Context) (helix.ValidateResult, error) {
	res, err := l.client.Validate(ctx, l.AccessToken())
	if err != nil && errors.Is(err, helix.ErrTokenInvalid) {
		if refreshErr := l.refresh(ctx); refreshErr == nil {
			res, err = l.client.Validate(ctx, l.AccessToken())
		}
	}
	if err != nil {
		return helix.ValidateResult{}, err
	}
	if !helix.HasRequiredScopes(res.Scopes) {
		return res, fmt.Errorf("tokenlifecycle: %s missing required scopes: have %v", l.username, res.Scopes)
	}
	return res, nil
}

// Provision runs the OAuth device authorization grant for an identity
// with no stored token, logging the verification URL and user code at
// warn level for console-facing display, and polling until granted or
// terminally failed.
func (l *Lifecycle) Provision(ctx context.Context) error {
	l.setState(StateProvisioning)

	start, err := l.client.DeviceStart(ctx, l.clientID, helix.RequiredScopes)
	if err != nil {
		return fmt.Errorf("tokenlifecycle: device_start for %s: %w", l.username, err)
	}

	l.log.Warn("tokenlifecycle: device authorization required",
		"username", l.username,
		"verification_uri", start.VerificationURI,
		"user_code", start.UserCode,
	)

	interval := start.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(start.ExpiresIn)
	if start.ExpiresIn <= 0 || start.ExpiresIn > devicePollCap {
		deadline = time.Now().Add(devicePollCap)
	}

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		poll, err := l.client.DevicePoll(ctx, l.clientID, l.clientSecret, start.DeviceCode)
		if err != nil {
			return fmt.Errorf("tokenlifecycle: device_poll for %s: %w", l.username, err)
		}

		switch poll.Outcome {
		case helix.DevicePollGranted:
			return l.adoptGrantedTokens(ctx, poll.Tokens)
		case helix.DevicePollSlowDown:
			interval += 5 * time.Second
		case helix.DevicePollPending:
			continue
		case helix.DevicePollFailed:
			l.setState(StateInvalid)
			return poll.Fail
		}
	}

	l.setState(StateInvalid)
	return fmt.Errorf("tokenlifecycle: device authorization for %s expired", l.username)
}

func (l *Lifecycle) adoptGrantedTokens(ctx context.Context, res helix.RefreshResult) error {
	newExpiry := time.Now().Add(res.ExpiresIn)

	l.mu.Lock()
	l.accessToken = res.AccessToken
	l.refreshToken = res.RefreshToken
	l.expiry = newExpiry
	l.mu.Unlock()

	if _, err := l.store.UpdateUser(l.username, configstore.Patch{
		AccessToken:  &res.AccessToken,
		RefreshToken: &res.RefreshToken,
		TokenExpiry:  ptrPtr(&newExpiry),
	}); err != nil {
		l.log.Warn("tokenlifecycle: persist provisioned tokens failed", "username", l.username, "err", err)
	}

	if l.hooks.OnCredentialsChanged != nil {
		l.hooks.OnCredentialsChanged(ctx, res)
	}
	l.setState(StateValid)
	return nil
}

func (l *Lifecycle) setState(s State) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	l.mu.Unlock()
	if changed && l.hooks.OnStateChanged != nil {
		l.hooks.OnStateChanged(s)
	}
}

func ptrPtr(t *time.Time) **time.Time { return &t }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
