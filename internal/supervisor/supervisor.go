// Package supervisor composes the Token Lifecycle, WebSocket Session,
// Subscription Reconciler, Message Router, and Color Apply Engine into
// one identity's full run loop, with its own crash-restart policy
// isolated from every other identity. The restart loop follows the
// familiar reconnect-with-backoff-and-cap shape used for any long-lived
// network client, generalized from one hardcoded connection into a
// generic per-identity supervisor.
package supervisor

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/hpwn/colorchanger/internal/colorengine"
	"github.com/hpwn/colorchanger/internal/colorpalette"
	"github.com/hpwn/colorchanger/internal/configstore"
	"github.com/hpwn/colorchanger/internal/eventsub"
	"github.com/hpwn/colorchanger/internal/helix"
	"github.com/hpwn/colorchanger/internal/router"
	"github.com/hpwn/colorchanger/internal/tokenlifecycle"
)

const (
	baseBackoff            = time.Second
	maxBackoff             = 60 * time.Second
	maxConsecutiveFailures = 100
)

// MetricsSink is the subset of diag.Metrics a Supervisor drives; kept as
// an interface here so supervisor never imports diag, matching the same
// dependency-direction rule helix.Client's onOutcome hook follows.
type MetricsSink interface {
	IncRestart(username string)
	SetSupervisorState(username, state string)
	IncReconnect(username, reason string)
	SetSubscriptionDrift(username, kind string, n int)
}

// Supervisor owns one identity's full run loop.
type Supervisor struct {
	username string
	client   *helix.Client
	store    *configstore.Store
	cache    *configstore.BroadcasterCache
	log      *slog.Logger
	metrics  MetricsSink
	wsURL    string

	restartBaseBackoff time.Duration
	restartMaxBackoff  time.Duration
	maxFailures        int

	mu     sync.RWMutex
	userID string
}

// New builds a Supervisor for an identity already present in store.
func New(username string, client *helix.Client, store *configstore.Store, cache *configstore.BroadcasterCache, logger *slog.Logger, metrics MetricsSink) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		username:           username,
		client:             client,
		store:              store,
		cache:              cache,
		log:                logger.With("username", username),
		metrics:            metrics,
		wsURL:              eventsub.DefaultWebSocketURL,
		restartBaseBackoff: baseBackoff,
		restartMaxBackoff:  maxBackoff,
		maxFailures:        maxConsecutiveFailures,
	}
}

// WithWebSocketURL overrides the EventSub endpoint, used by tests to
// point the supervisor at a local server.
func (s *Supervisor) WithWebSocketURL(url string) *Supervisor {
	s.wsURL = url
	return s
}

// WithRestartPolicy overrides the crash-restart backoff and failure cap,
// used by tests that need the restart loop to run on a compressed
// timescale instead of real minutes.
func (s *Supervisor) WithRestartPolicy(base, ceiling time.Duration, maxFailures int) *Supervisor {
	s.restartBaseBackoff = base
	s.restartMaxBackoff = ceiling
	s.maxFailures = maxFailures
	return s
}

func (s *Supervisor) identity() (configstore.Identity, bool) {
	for _, id := range s.store.Snapshot() {
		if id.Username == s.username {
			return id, true
		}
	}
	return configstore.Identity{}, false
}

// Run drives the identity until ctx is cancelled or the consecutive
// crash count crosses maxConsecutiveFailures, at which point it stops
// permanently without affecting any other identity's supervisor.
func (s *Supervisor) Run(ctx context.Context) error {
	backoff := s.restartBaseBackoff
	failures := 0

	for {
		if ctx.Err() != nil {
			s.setState("stopped")
			return ctx.Err()
		}

		err := s.runOnce(ctx)
		if err == nil {
			s.setState("stopped")
			return nil
		}
		if ctx.Err() != nil {
			s.setState("stopped")
			return ctx.Err()
		}

		failures++
		if s.metrics != nil {
			s.metrics.IncRestart(s.username)
		}
		if failures >= s.maxFailures {
			s.setState("terminal")
			s.log.Error("supervisor: too many consecutive failures, stopping permanently", "err", err, "failures", failures)
			return fmt.Errorf("supervisor: %s stopped permanently after %d failures: %w", s.username, failures, err)
		}

		s.setState("restarting")
		s.log.Warn("supervisor: crashed, restarting", "err", err, "backoff", backoff)
		if !sleepCtx(ctx, jitter(backoff)) {
			s.setState("stopped")
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, s.restartMaxBackoff)
	}
}

func (s *Supervisor) setState(state string) {
	if s.metrics != nil {
		s.metrics.SetSupervisorState(s.username, state)
	}
}

// runOnce executes the identity's start sequence once: ensure tokens,
// resolve user id, seed last_color, open the EventSub session, run a
// full reconciliation pass on first welcome, then service chat commands
// and background refresh/audit loops until the session drops.
func (s *Supervisor) runOnce(ctx context.Context) error {
	s.setState("starting")

	id, ok := s.identity()
	if !ok {
		return fmt.Errorf("supervisor: identity %s no longer present in config", s.username)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lifecycle := tokenlifecycle.New(id, s.client, s.store, s.log, tokenlifecycle.Hooks{
		OnStateChanged: func(state tokenlifecycle.State) {
			if s.metrics != nil {
				s.metrics.SetSupervisorState(s.username, "token_"+state.String())
			}
			if state == tokenlifecycle.StateProvisioning {
				// A background refresh exhausted its retries and cleared
				// credentials; tear this run down so Run's restart loop
				// re-enters runOnce and provisions a fresh token.
				cancel()
			}
		},
	})

	if id.NeedsProvisioning() {
		if err := lifecycle.Provision(ctx); err != nil {
			return fmt.Errorf("provision: %w", err)
		}
	}
	if _, err := lifecycle.Validate(ctx); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	userID, err := s.ensureUserID(ctx, lifecycle.AccessToken(), id.ClientID)
	if err != nil {
		return fmt.Errorf("resolve user id: %w", err)
	}
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()

	if current, err := s.client.GetColor(ctx, lifecycle.AccessToken(), id.ClientID, userID); err == nil && current != "" {
		if _, err := s.store.UpdateUser(s.username, configstore.Patch{LastColor: &current}); err != nil {
			s.log.Warn("supervisor: persist initial last_color failed", "err", err)
		}
	}

	engine := colorengine.New(s.username, id.ClientID, s.client, s.store, s.log, colorengine.Hooks{
		OnTokenInvalid: func(ctx context.Context) { lifecycle.NotifyUnauthorized() },
	})
	reconciler := eventsub.NewReconciler(s.client, s.cache, id.ClientID, s.log)

	reconnected := make(chan struct{}, 1)
	var welcomeOnce sync.Once
	var sessionID string
	var sessionMu sync.Mutex

	runAudit := func(ctx context.Context) error {
		sessionMu.Lock()
		sid := sessionID
		sessionMu.Unlock()
		if sid == "" {
			return nil
		}
		current, ok := s.identity()
		if !ok {
			return nil
		}
		out, err := reconciler.Reconcile(ctx, lifecycle.AccessToken(), userID, sid, current.Channels)
		if err != nil {
			s.log.Warn("supervisor: reconciliation failed", "err", err)
			if errors.Is(err, helix.ErrTokenInvalid) || errors.Is(err, helix.ErrMissingScopes) {
				lifecycle.NotifyUnauthorized()
			}
			return err
		}
		if s.metrics != nil {
			s.metrics.SetSubscriptionDrift(s.username, "created", out.Created)
			s.metrics.SetSubscriptionDrift(s.username, "deleted", out.Deleted)
		}
		return nil
	}

	sess := eventsub.NewSession(s.wsURL, s.log, eventsub.Hooks{
		OnWelcome: func(ctx context.Context, id string) {
			sessionMu.Lock()
			sessionID = id
			sessionMu.Unlock()
			welcomeOnce.Do(func() {
				if err := runAudit(ctx); err != nil {
					s.log.Warn("supervisor: initial reconciliation failed", "err", err)
				}
			})
			select {
			case reconnected <- struct{}{}:
			default:
			}
		},
		OnReconnect: func(reason string) {
			if s.metrics != nil {
				s.metrics.IncReconnect(s.username, reason)
			}
		},
		OnChatMessage: func(ctx context.Context, broadcasterID string, ev eventsub.ChatMessageEvent) {
			s.handleChatMessage(ctx, userID, broadcasterID, ev, engine, lifecycle)
		},
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		lifecycle.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		eventsub.NewAuditSchedule().Run(runCtx, reconnected, runAudit)
	}()

	err = sess.Run(runCtx)
	cancel()
	wg.Wait()
	return err
}

func (s *Supervisor) handleChatMessage(ctx context.Context, ownUserID, broadcasterID string, ev eventsub.ChatMessageEvent, engine *colorengine.Engine, lifecycle *tokenlifecycle.Lifecycle) {
	cmd := router.Route(ownUserID, broadcasterID, ev)

	switch cmd.Kind {
	case router.CommandEnable:
		enabled := true
		if _, err := s.store.UpdateUser(s.username, configstore.Patch{Enabled: &enabled}); err != nil {
			s.log.Warn("supervisor: enable failed", "err", err)
		}
	case router.CommandDisable:
		enabled := false
		if _, err := s.store.UpdateUser(s.username, configstore.Patch{Enabled: &enabled}); err != nil {
			s.log.Warn("supervisor: disable failed", "err", err)
		}
	case router.CommandSetColor:
		parsed, ok := router.ParseColorArg(cmd.ColorArg, colorpalette.Presets)
		if !ok {
			return
		}
		engine.TriggerExplicit(ctx, lifecycle.AccessToken(), ownUserID, parsed.Value)
	case router.CommandNone:
		id, ok := s.identity()
		if ok && id.Enabled {
			engine.Trigger(ctx, lifecycle.AccessToken(), ownUserID)
		}
	}
}

func (s *Supervisor) ensureUserID(ctx context.Context, accessToken, clientID string) (string, error) {
	id, ok := s.identity()
	if ok && id.UserID != "" {
		return id.UserID, nil
	}
	resolved, err := s.client.ResolveUsers(ctx, accessToken, clientID, []string{s.username})
	if err != nil {
		return "", err
	}
	userID, found := resolved[s.username]
	if !found {
		return "", fmt.Errorf("supervisor: could not resolve user id for %s", s.username)
	}
	if _, err := s.store.UpdateUser(s.username, configstore.Patch{UserID: &userID}); err != nil {
		s.log.Warn("supervisor: persist resolved user id failed", "err", err)
	}
	return userID, nil
}

func nextBackoff(cur, ceiling time.Duration) time.Duration {
	next := cur * 2
	if next > ceiling {
		next = ceiling
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	offset := (supervisorRand.Float64()*2 - 1) * spread
	result := float64(d) + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(math.Round(result))
}

var supervisorRand = newSeededRand()

func newSeededRand() *mrand.Rand {
	var seed int64
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err == nil {
		seed = int64(binary.LittleEndian.Uint64(buf[:]))
	} else {
		seed = time.Now().UnixNano()
	}
	return mrand.New(mrand.NewSource(seed))
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
