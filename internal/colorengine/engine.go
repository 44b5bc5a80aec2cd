// Package colorengine decides what chat color an identity should wear
// next and drives the Helix PutColor call to apply it, coalescing
// concurrent triggers into a single in-flight apply the same way a
// buffered writer coalesces concurrent writes into a single flush.
package colorengine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hpwn/colorchanger/internal/colorpalette"
	"github.com/hpwn/colorchanger/internal/configstore"
	"github.com/hpwn/colorchanger/internal/helix"
)

// maxHexStrikes caps consecutive hex-unavailable rejections before the
// engine falls back to the preset palette for this identity.
const maxHexStrikes = 2

const (
	retryBackoffBase = 500 * time.Millisecond
	retryBackoffMax  = 8 * time.Second
	maxOtherRetries  = 3
	maxRateLimitWait = 30 * time.Second
)

// Hooks lets the Identity Supervisor react to apply outcomes without
// colorengine depending on tokenlifecycle directly.
type Hooks struct {
	OnTokenInvalid func(ctx context.Context)
	OnApplied      func(color string, isHex bool)
}

// Engine applies chat color changes for one identity, ensuring at most
// one PutColor call is in flight at a time; triggers that arrive while
// an apply is running are coalesced into a single follow-up pass rather
// than queued individually.
type Engine struct {
	username string
	clientID string

	client *helix.Client
	store  *configstore.Store
	log    *slog.Logger
	hooks  Hooks

	mu         sync.Mutex
	inFlight   bool
	pending    bool
	pendingReq request
}

// request carries one apply attempt's parameters through the
// coalescing queue. An empty explicitColor means "auto-select" (the
// normal rotation trigger); a non-empty one means a user asked for a
// specific color via the ccc chat command and the engine should not fall back to a
// different color if that one is rejected.
type request struct {
	accessToken   string
	userID        string
	explicitColor string
}

// New builds an Engine for one identity.
func New(username, clientID string, client *helix.Client, store *configstore.Store, logger *slog.Logger, hooks Hooks) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{username: username, clientID: clientID, client: client, store: store, log: logger, hooks: hooks}
}

// Trigger requests a color apply using accessToken/userID current at
// call time. If an apply is already running, this trigger is coalesced:
// the running apply will run one more pass after it finishes rather than
// this call starting a second, overlapping apply.
func (e *Engine) Trigger(ctx context.Context, accessToken, userID string) {
	e.enqueue(ctx, request{accessToken: accessToken, userID: userID})
}

// TriggerExplicit applies a specific color requested via the ccc
// command rather than one the engine selects itself. Coalescing still
// applies, and a later explicit or auto trigger arriving before this one
// runs replaces it rather than queuing behind it — only the most recent
// request ever matters.
func (e *Engine) TriggerExplicit(ctx context.Context, accessToken, userID, color string) {
	e.enqueue(ctx, request{accessToken: accessToken, userID: userID, explicitColor: color})
}

func (e *Engine) enqueue(ctx context.Context, req request) {
	e.mu.Lock()
	if e.inFlight {
		e.pending = true
		e.pendingReq = req
		e.mu.Unlock()
		return
	}
	e.inFlight = true
	e.mu.Unlock()

	go e.runLoop(ctx, req)
}

func (e *Engine) runLoop(ctx context.Context, req request) {
	for {
		e.applyOnce(ctx, req)

		e.mu.Lock()
		if e.pending {
			req = e.pendingReq
			e.pending = false
			e.mu.Unlock()
			continue
		}
		e.inFlight = false
		e.mu.Unlock()
		return
	}
}

func (e *Engine) currentIdentity() (configstore.Identity, bool) {
	for _, id := range e.store.Snapshot() {
		if id.Username == e.username {
			return id, true
		}
	}
	return configstore.Identity{}, false
}

func (e *Engine) selectColor(id configstore.Identity) (color string, isHex bool) {
	if id.IsPrimeOrTurbo && id.HexRejectionStrikes < maxHexStrikes {
		return colorpalette.PickHex(id.LastColor), true
	}
	return colorpalette.PickPreset(id.LastColor), false
}

// applyOnce handles one request: it issues PutColor and, for retryable
// outcomes (hex fallback, a single rate-limit wait, bounded backoff on
// other errors), loops back to try again within this call rather than
// recursing, so a long string of retries never grows the call stack.
func (e *Engine) applyOnce(ctx context.Context, req request) {
	backoff := retryBackoffBase
	explicit := req.explicitColor != ""
	otherAttempts := 0
	rateLimitRetried := false

	for {
		if ctx.Err() != nil {
			return
		}

		id, ok := e.currentIdentity()
		if !ok {
			return
		}
		if !explicit && !id.Enabled {
			return
		}

		var color string
		var isHex bool
		if explicit {
			color = req.explicitColor
			isHex = len(color) > 0 && color[0] == '#'
		} else {
			color, isHex = e.selectColor(id)
		}

		err := e.client.PutColor(ctx, req.accessToken, e.clientID, req.userID, color)
		if err == nil {
			e.onSuccess(color, isHex)
			return
		}

		var rateLimited *helix.ErrRateLimited
		switch {
		case errors.Is(err, helix.ErrHexUnavailable):
			e.onHexUnavailable(id)
			if explicit {
				// the user explicitly asked for this hex value; don't
				// silently substitute a different color for them.
				return
			}
			continue // immediately retry; selectColor now falls back to a preset once strikes hit the cap

		case errors.Is(err, helix.ErrTokenInvalid):
			e.log.Warn("colorengine: token invalid during apply", "username", e.username)
			if e.hooks.OnTokenInvalid != nil {
				e.hooks.OnTokenInvalid(ctx)
			}
			return

		case errors.As(err, &rateLimited):
			if rateLimitRetried {
				e.log.Warn("colorengine: rate limited again after single retry, dropping", "username", e.username)
				return
			}
			rateLimitRetried = true
			wait := rateLimited.RetryAfter
			if wait > maxRateLimitWait {
				wait = maxRateLimitWait
			}
			e.log.Debug("colorengine: rate limited, retrying after", "username", e.username, "retry_after", wait)
			if !sleepCtx(ctx, wait) {
				return
			}
			continue

		default:
			otherAttempts++
			if otherAttempts >= maxOtherRetries {
				e.log.Warn("colorengine: apply failed, giving up after retries", "username", e.username, "err", err, "attempts", otherAttempts)
				return
			}
			e.log.Warn("colorengine: apply failed, retrying", "username", e.username, "err", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > retryBackoffMax {
				backoff = retryBackoffMax
			}
			continue
		}
	}
}

func (e *Engine) onSuccess(color string, isHex bool) {
	e.log.Info("colorengine: color applied", "username", e.username, "color", color, "hex", isHex)
	patch := configstore.Patch{LastColor: &color}
	if isHex {
		// only an accepted hex color ends a run of hex rejections
		zero := 0
		patch.HexRejectionStrikes = &zero
	}
	if _, err := e.store.UpdateUser(e.username, patch); err != nil {
		e.log.Warn("colorengine: persist last_color failed", "username", e.username, "err", err)
	}
	if e.hooks.OnApplied != nil {
		e.hooks.OnApplied(color, isHex)
	}
}

func (e *Engine) onHexUnavailable(id configstore.Identity) {
	strikes := id.HexRejectionStrikes + 1
	e.log.Warn("colorengine: hex color unavailable, incrementing strikes", "username", e.username, "strikes", strikes)
	patch := configstore.Patch{HexRejectionStrikes: &strikes}
	if strikes >= maxHexStrikes {
		e.log.Warn("colorengine: demoting identity off hex colors", "username", e.username, "strikes", strikes)
		demoted := false
		patch.IsPrimeOrTurbo = &demoted
	}
	if _, err := e.store.UpdateUser(e.username, patch); err != nil {
		e.log.Warn("colorengine: persist hex demotion failed", "username", e.username, "err", err)
	}
}

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
