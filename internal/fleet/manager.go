// Package fleet owns the configuration store and spins up one
// supervisor.Supervisor per identity, diffing config reloads so an edit
// to runtime-only fields (tokens, enabled, last_color) doesn't restart a
// healthy connection while a channel-list or client-credential change
// does. One supervisor goroutine runs per identity,
// mirroring a one-receiver-goroutine-per-source top-level wiring style,
// with an ordered, signal-driven shutdown sequence.
package fleet

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hpwn/colorchanger/internal/configstore"
	"github.com/hpwn/colorchanger/internal/helix"
	"github.com/hpwn/colorchanger/internal/supervisor"
)

// Manager owns the identity roster and the supervisors running it.
type Manager struct {
	store   *configstore.Store
	cache   *configstore.BroadcasterCache
	client  *helix.Client
	log     *slog.Logger
	metrics supervisor.MetricsSink
	wsURL   string

	mu      sync.Mutex
	running map[string]*runningSupervisor
}

type runningSupervisor struct {
	identity configstore.Identity
	cancel   context.CancelFunc
	done     chan struct{}
}

// New builds a Manager. wsURL overrides the EventSub endpoint (empty
// means use the package default), used by tests.
func New(store *configstore.Store, cache *configstore.BroadcasterCache, client *helix.Client, logger *slog.Logger, metrics supervisor.MetricsSink, wsURL string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		cache:   cache,
		client:  client,
		log:     logger,
		metrics: metrics,
		wsURL:   wsURL,
		running: make(map[string]*runningSupervisor),
	}
}

// Run loads the current identity roster, starts a supervisor for each,
// then watches the config file for reloads until ctx is cancelled. On
// return every supervisor has been stopped and any pending persist queue
// has been flushed.
func (m *Manager) Run(ctx context.Context) error {
	initial, err := m.store.Load()
	if err != nil {
		return err
	}
	m.reconcile(ctx, initial)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	watchErrCh := make(chan error, 1)
	go func() {
		watchErrCh <- m.store.Watch(watchCtx, func(list []configstore.Identity) {
			m.reconcile(ctx, list)
		})
	}()

	<-ctx.Done()
	cancelWatch()

	m.mu.Lock()
	all := make([]*runningSupervisor, 0, len(m.running))
	for _, rs := range m.running {
		all = append(all, rs)
	}
	m.running = make(map[string]*runningSupervisor)
	m.mu.Unlock()

	for _, rs := range all {
		rs.cancel()
	}
	for _, rs := range all {
		<-rs.done
	}

	m.store.FlushNow()

	select {
	case err := <-watchErrCh:
		if err != nil && ctx.Err() == nil {
			return err
		}
	default:
	}
	return ctx.Err()
}

// reconcile starts supervisors for new identities, stops ones for
// removed identities, and restarts any whose non-runtime fields (client
// credentials, channel list) changed. An edit that touches only runtime
// fields (enabled, last_color, hex strikes, tokens) never restarts a
// healthy connection.
func (m *Manager) reconcile(ctx context.Context, list []configstore.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(list))
	for _, id := range list {
		seen[id.Username] = struct{}{}

		existing, running := m.running[id.Username]
		switch {
		case !running:
			m.start(ctx, id)
		case !configstore.RuntimeOnlyEqual(existing.identity, id):
			m.log.Info("fleet: restarting supervisor, config changed", "username", id.Username)
			existing.cancel()
			<-existing.done
			m.start(ctx, id)
		default:
			existing.identity = id
		}
	}

	for username, rs := range m.running {
		if _, ok := seen[username]; !ok {
			m.log.Info("fleet: stopping supervisor, identity removed", "username", username)
			rs.cancel()
			delete(m.running, username)
			go func(rs *runningSupervisor) { <-rs.done }(rs)
		}
	}
}

func (m *Manager) start(ctx context.Context, id configstore.Identity) {
	sup := supervisor.New(id.Username, m.client, m.store, m.cache, m.log, m.metrics)
	if m.wsURL != "" {
		sup = sup.WithWebSocketURL(m.wsURL)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sup.Run(runCtx); err != nil && runCtx.Err() == nil {
			m.log.Error("fleet: supervisor stopped permanently", "username", id.Username, "err", err)
		}
	}()

	m.running[id.Username] = &runningSupervisor{identity: id, cancel: cancel, done: done}
}

// Identities returns a snapshot of the usernames currently running a
// supervisor, for health/status reporting.
func (m *Manager) Identities() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.running))
	for username := range m.running {
		out = append(out, username)
	}
	return out
}
