// Package configstore owns the durable JSON configuration of identities
// this supervisor manages: load/validate/save with atomic writes and
// checksum-based change detection, per-user locking, a debounced persist
// queue, and filesystem watch-based reload. It is the sole writer of the
// config file.
package configstore

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Identity is the primary aggregate this supervisor manages, keyed by
// lowercase username.
type Identity struct {
	Username            string     `json:"username"`
	ClientID            string     `json:"client_id"`
	ClientSecret        string     `json:"client_secret"`
	Channels            []string   `json:"channels"`
	IsPrimeOrTurbo      bool       `json:"is_prime_or_turbo"`
	Enabled             bool       `json:"enabled"`
	AccessToken         string     `json:"access_token"`
	RefreshToken        string     `json:"refresh_token"`
	TokenExpiry         *time.Time `json:"token_expiry"`
	UserID              string     `json:"user_id,omitempty"`
	LastColor           string     `json:"last_color,omitempty"`
	HexRejectionStrikes int        `json:"hex_rejection_strikes,omitempty"`
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,25}$`)

// Normalize lowercases the username and channel set, dedupes and sorts
// channels, and strips any leading "#" — the canonical on-disk shape.
func (id Identity) Normalize() Identity {
	id.Username = strings.ToLower(strings.TrimSpace(id.Username))

	seen := make(map[string]struct{}, len(id.Channels))
	channels := make([]string, 0, len(id.Channels))
	for _, ch := range id.Channels {
		ch = strings.ToLower(strings.TrimSpace(ch))
		ch = strings.TrimPrefix(ch, "#")
		if ch == "" {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	id.Channels = channels
	return id
}

// Validate checks username shape and required fields. It is called after
// Normalize so channel/username checks see the canonical form.
func (id Identity) Validate() error {
	if !usernamePattern.MatchString(id.Username) {
		return fmt.Errorf("username %q must be 3-25 chars of [A-Za-z0-9_]", id.Username)
	}
	if len(id.Channels) == 0 {
		return fmt.Errorf("identity %q: channels must be non-empty", id.Username)
	}
	if id.ClientID != "" && len(id.ClientID) < 10 {
		return fmt.Errorf("identity %q: client_id must be >=10 chars if present", id.Username)
	}
	if id.ClientSecret != "" && len(id.ClientSecret) < 10 {
		return fmt.Errorf("identity %q: client_secret must be >=10 chars if present", id.Username)
	}
	return nil
}

// NeedsProvisioning reports whether the identity has no access token and
// must go through the device authorization grant before it can run.
func (id Identity) NeedsProvisioning() bool {
	return strings.TrimSpace(id.AccessToken) == ""
}

// Clone returns a deep-enough copy safe to hand to a goroutine without
// sharing the Channels slice or TokenExpiry pointer.
func (id Identity) Clone() Identity {
	out := id
	out.Channels = append([]string(nil), id.Channels...)
	if id.TokenExpiry != nil {
		t := *id.TokenExpiry
		out.TokenExpiry = &t
	}
	return out
}

// Patch describes a partial, idempotent mutation applied under the
// identity's per-user lock.
type Patch struct {
	AccessToken         *string
	RefreshToken        *string
	TokenExpiry         **time.Time
	Enabled             *bool
	IsPrimeOrTurbo      *bool
	LastColor           *string
	HexRejectionStrikes *int
	UserID              *string
}

// Apply merges non-nil Patch fields into a copy of id.
func (id Identity) Apply(p Patch) Identity {
	out := id.Clone()
	if p.AccessToken != nil {
		out.AccessToken = *p.AccessToken
	}
	if p.RefreshToken != nil {
		out.RefreshToken = *p.RefreshToken
	}
	if p.TokenExpiry != nil {
		out.TokenExpiry = *p.TokenExpiry
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.IsPrimeOrTurbo != nil {
		out.IsPrimeOrTurbo = *p.IsPrimeOrTurbo
	}
	if p.LastColor != nil {
		out.LastColor = *p.LastColor
	}
	if p.HexRejectionStrikes != nil {
		out.HexRejectionStrikes = *p.HexRejectionStrikes
	}
	if p.UserID != nil {
		out.UserID = *p.UserID
	}
	return out
}

// RuntimeOnlyEqual reports whether a and b differ only in fields the Fleet
// Manager must NOT treat as a restart-worthy config change: tokens,
// last_color, is_prime_or_turbo, enabled, hex_rejection_strikes, user_id.
func RuntimeOnlyEqual(a, b Identity) bool {
	a.AccessToken, b.AccessToken = "", ""
	a.RefreshToken, b.RefreshToken = "", ""
	a.TokenExpiry, b.TokenExpiry = nil, nil
	a.LastColor, b.LastColor = "", ""
	a.IsPrimeOrTurbo, b.IsPrimeOrTurbo = false, false
	a.Enabled, b.Enabled = false, false
	a.HexRejectionStrikes, b.HexRejectionStrikes = 0, 0
	a.UserID, b.UserID = "", ""
	return identityDeepEqual(a, b)
}

func identityDeepEqual(a, b Identity) bool {
	if a.Username != b.Username || a.ClientID != b.ClientID || a.ClientSecret != b.ClientSecret {
		return false
	}
	if len(a.Channels) != len(b.Channels) {
		return false
	}
	for i := range a.Channels {
		if a.Channels[i] != b.Channels[i] {
			return false
		}
	}
	return true
}
