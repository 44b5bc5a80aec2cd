package configstore

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// BroadcasterCache persists the login-to-user-id mapping the Subscription
// Reconciler resolves via Helix, so a restart doesn't require re-resolving
// every channel. Corrupt or missing cache files are treated as empty; the
// cache is best-effort and never blocks startup.
type BroadcasterCache struct {
	path string
	log  *slog.Logger

	mu   sync.Mutex
	data map[string]string
}

// DefaultBroadcasterCachePath resolves the cache path from
// TWITCH_BROADCASTER_CACHE, falling back to a sibling of the config file.
func DefaultBroadcasterCachePath(configPath string) string {
	if p := strings.TrimSpace(os.Getenv("TWITCH_BROADCASTER_CACHE")); p != "" {
		return p
	}
	return configPath + ".broadcasters.json"
}

// NewBroadcasterCache loads path if present; a missing or corrupt file
// yields an empty cache rather than an error.
func NewBroadcasterCache(path string, logger *slog.Logger) *BroadcasterCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &BroadcasterCache{path: path, log: logger, data: make(map[string]string)}

	raw, err := os.ReadFile(path)
	if err != nil {
		return c
	}
	var parsed map[string]string
	if err := json.Unmarshal(raw, &parsed); err != nil {
		c.log.Warn("configstore: broadcaster cache corrupt, starting empty", "path", path, "err", err)
		return c
	}
	for login, id := range parsed {
		c.data[strings.ToLower(login)] = id
	}
	return c
}

// Get returns the cached user id for login, if known.
func (c *BroadcasterCache) Get(login string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.data[strings.ToLower(login)]
	return id, ok
}

// Put records login -> id and persists the cache best-effort; a write
// failure is logged but never returned — reconciliation still works from
// a cold cache.
func (c *BroadcasterCache) Put(login, id string) {
	c.mu.Lock()
	c.data[strings.ToLower(login)] = id
	snapshot := make(map[string]string, len(c.data))
	for k, v := range c.data {
		snapshot[k] = v
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		c.log.Warn("configstore: broadcaster cache write failed", "path", c.path, "err", err)
	}
}

// PutMany merges a batch of resolved logins and persists once.
func (c *BroadcasterCache) PutMany(resolved map[string]string) {
	if len(resolved) == 0 {
		return
	}
	c.mu.Lock()
	for login, id := range resolved {
		c.data[strings.ToLower(login)] = id
	}
	snapshot := make(map[string]string, len(c.data))
	for k, v := range c.data {
		snapshot[k] = v
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		c.log.Warn("configstore: broadcaster cache write failed", "path", c.path, "err", err)
	}
}
