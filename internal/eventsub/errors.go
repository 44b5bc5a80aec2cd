package eventsub

import "errors"

// ErrStale is returned internally when no frame (welcome, keepalive, or
// notification) has arrived within the staleness window, forcing a
// reconnect.
var ErrStale = errors.New("eventsub: session stale, no frames received")

// ErrTooManyFailures is returned by Session.Run when the consecutive
// reconnect-failure counter crosses its cap, letting the caller apply
// its own terminal-stop policy.
var ErrTooManyFailures = errors.New("eventsub: too many consecutive connection failures")
