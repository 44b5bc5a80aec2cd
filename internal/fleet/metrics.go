package fleet

import "sync"

// diagMetrics is the subset of *diag.Metrics this adapter wraps. Kept as
// an interface so fleet doesn't need to import diag just to build one
// for tests.
type diagMetrics interface {
	IncRestart(username string)
	SetSupervisorState(username, state string, active bool)
	IncReconnect(username, reason string)
	SetSubscriptionDrift(username string, missing, extra int)
}

// MetricsAdapter exposes a diag.Metrics registry through the narrower
// supervisor.MetricsSink interface, translating the supervisor's
// generic (kind, n) subscription-drift calls into the registry's
// missing/extra gauge pair.
type MetricsAdapter struct {
	m diagMetrics

	mu    sync.Mutex
	drift map[string]*driftCounts
}

type driftCounts struct {
	created int
	deleted int
}

// NewMetricsAdapter wraps m for use as a supervisor.MetricsSink.
func NewMetricsAdapter(m diagMetrics) *MetricsAdapter {
	return &MetricsAdapter{m: m, drift: make(map[string]*driftCounts)}
}

func (a *MetricsAdapter) IncRestart(username string) {
	a.m.IncRestart(username)
}

func (a *MetricsAdapter) SetSupervisorState(username, state string) {
	a.m.SetSupervisorState(username, state, true)
}

func (a *MetricsAdapter) IncReconnect(username, reason string) {
	a.m.IncReconnect(username, reason)
}

func (a *MetricsAdapter) SetSubscriptionDrift(username, kind string, n int) {
	a.mu.Lock()
	c, ok := a.drift[username]
	if !ok {
		c = &driftCounts{}
		a.drift[username] = c
	}
	switch kind {
	case "created":
		c.created = n
	case "deleted":
		c.deleted = n
	}
	missing, extra := c.created, c.deleted
	a.mu.Unlock()

	a.m.SetSubscriptionDrift(username, missing, extra)
}
