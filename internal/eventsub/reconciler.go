package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hpwn/colorchanger/internal/configstore"
	"github.com/hpwn/colorchanger/internal/helix"
)

const (
	fastAuditMinDelay = 60 * time.Second
	fastAuditMaxDelay = 120 * time.Second
	normalAuditBase   = 600 * time.Second
	normalAuditJitter = 120 * time.Second
)

// Reconciler keeps one identity's live EventSub subscriptions in sync
// with its configured channel list: it resolves broadcaster ids (via a
// BroadcasterCache to avoid re-resolving on every pass), diffs expected
// against actual subscriptions, creates what's missing, and deletes
// what's no longer wanted.
type Reconciler struct {
	client   *helix.Client
	cache    *configstore.BroadcasterCache
	log      *slog.Logger
	clientID string
}

// NewReconciler builds a Reconciler for one identity's Helix client.
func NewReconciler(client *helix.Client, cache *configstore.BroadcasterCache, clientID string, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{client: client, cache: cache, clientID: clientID, log: logger}
}

// Outcome summarizes one reconciliation pass for logging/metrics.
type Outcome struct {
	Created int
	Deleted int
	Unresolved []string
}

// maxUnauthorizedPerAudit bounds how many 401s a single Reconcile pass
// tolerates before giving up on the rest of the pass and reporting the
// token as dead ("after two 401s within one audit, consider the token
// dead").
const maxUnauthorizedPerAudit = 2

// Reconcile resolves channels to broadcaster ids, lists the identity's
// current channel.chat.message subscriptions, and creates/deletes to
// converge the two sets. Create and delete failures are logged and
// skipped rather than aborting the pass, except that two token-invalid
// responses within one pass stop it early and are surfaced to the
// caller so the Token Lifecycle can be notified.
func (r *Reconciler) Reconcile(ctx context.Context, accessToken, userID, sessionID string, channels []string) (Outcome, error) {
	var out Outcome
	var unauthorizedCount int
	var firstErr error

	broadcasterIDs, unresolved := r.resolveChannels(ctx, accessToken, channels)
	out.Unresolved = unresolved
	if len(unresolved) > 0 {
		r.log.Warn("eventsub: could not resolve channels to broadcaster ids", "channels", unresolved)
	}

	actual, err := r.client.ListSubscriptions(ctx, accessToken, r.clientID, userID)
	if err != nil {
		return out, fmt.Errorf("eventsub: list subscriptions: %w", err)
	}

	actualByBroadcaster := make(map[string]helix.SubscriptionRecord, len(actual))
	for _, sub := range actual {
		actualByBroadcaster[sub.BroadcasterID] = sub
	}

	expected := make(map[string]struct{}, len(broadcasterIDs))
	for _, id := range broadcasterIDs {
		expected[id] = struct{}{}
	}

	for _, broadcasterID := range broadcasterIDs {
		if _, exists := actualByBroadcaster[broadcasterID]; exists {
			continue
		}
		if unauthorizedCount >= maxUnauthorizedPerAudit {
			break
		}
		if _, err := r.client.CreateSubscription(ctx, accessToken, r.clientID, broadcasterID, userID, sessionID); err != nil {
			r.log.Warn("eventsub: create subscription failed", "broadcaster_id", broadcasterID, "err", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("eventsub: create subscription for %s: %w", broadcasterID, err)
			}
			if errors.Is(err, helix.ErrTokenInvalid) {
				unauthorizedCount++
			}
			if errors.Is(err, helix.ErrMissingScopes) {
				// missing-scope diff is treated the same as a dead token:
				// the supervisor must re-provision rather than keep
				// subscribing with a token that can never succeed.
				return out, fmt.Errorf("eventsub: create subscription for %s: %w", broadcasterID, err)
			}
			continue
		}
		out.Created++
	}

	// Extras are removed best-effort: a delete failure is logged and
	// does not block removing the rest, or block it from the local
	// expected set.
	for broadcasterID, sub := range actualByBroadcaster {
		if _, wanted := expected[broadcasterID]; wanted {
			continue
		}
		if unauthorizedCount >= maxUnauthorizedPerAudit {
			break
		}
		if err := r.client.DeleteSubscription(ctx, accessToken, r.clientID, sub.ID); err != nil {
			r.log.Warn("eventsub: delete stale subscription failed", "subscription_id", sub.ID, "err", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("eventsub: delete stale subscription %s: %w", sub.ID, err)
			}
			if errors.Is(err, helix.ErrTokenInvalid) {
				unauthorizedCount++
			}
			continue
		}
		out.Deleted++
	}

	if unauthorizedCount >= maxUnauthorizedPerAudit {
		return out, fmt.Errorf("eventsub: %d unauthorized responses within one audit, token considered dead: %w", unauthorizedCount, helix.ErrTokenInvalid)
	}
	return out, firstErr
}

func (r *Reconciler) resolveChannels(ctx context.Context, accessToken string, channels []string) (ids []string, unresolved []string) {
	var toResolve []string
	for _, ch := range channels {
		if id, ok := r.cache.Get(ch); ok {
			ids = append(ids, id)
			continue
		}
		toResolve = append(toResolve, ch)
	}
	if len(toResolve) == 0 {
		return ids, unresolved
	}

	resolved, err := r.client.ResolveUsers(ctx, accessToken, r.clientID, toResolve)
	if err != nil {
		r.log.Warn("eventsub: resolve_users failed", "err", err)
		return ids, toResolve
	}

	newlyResolved := make(map[string]string, len(resolved))
	for _, ch := range toResolve {
		if id, ok := resolved[ch]; ok {
			ids = append(ids, id)
			newlyResolved[ch] = id
		} else {
			unresolved = append(unresolved, ch)
		}
	}
	r.cache.PutMany(newlyResolved)
	return ids, unresolved
}

// AuditSchedule drives periodic reconciliation: a fast audit 60-120s
// after a reconnect, and a steady-state audit every 600-720s otherwise
// (600s plus 0-120s of jitter; the jitter never shortens the interval
// below 600s).
type AuditSchedule struct {
	rng randSource
}

type randSource interface {
	Float64() float64
}

// NewAuditSchedule builds a schedule driven by the package's
// crypto-seeded PRNG.
func NewAuditSchedule() *AuditSchedule {
	return &AuditSchedule{rng: jitterRand}
}

// NextFastDelay returns a jittered delay for a post-reconnect audit.
func (a *AuditSchedule) NextFastDelay() time.Duration {
	span := fastAuditMaxDelay - fastAuditMinDelay
	return fastAuditMinDelay + time.Duration(a.rng.Float64()*float64(span))
}

// NextNormalDelay returns a jittered delay for the steady-state audit.
func (a *AuditSchedule) NextNormalDelay() time.Duration {
	return normalAuditBase + time.Duration(a.rng.Float64()*float64(normalAuditJitter))
}

// Run drives fast-then-steady-state audits until ctx is cancelled.
// reconnected should be signaled by the Session's OnReconnect hook;
// each signal schedules one fast audit before falling back to the
// normal cadence.
func (a *AuditSchedule) Run(ctx context.Context, reconnected <-chan struct{}, audit func(context.Context) error) {
	timer := time.NewTimer(a.NextNormalDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconnected:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(a.NextFastDelay())
		case <-timer.C:
			if err := audit(ctx); err != nil {
				// the caller's audit function is responsible for logging;
				// still reschedule so one failed pass doesn't stop auditing.
				_ = err
			}
			timer.Reset(a.NextNormalDelay())
		}
	}
}
