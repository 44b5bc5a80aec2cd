// Package eventsub implements the Twitch EventSub WebSocket transport:
// session lifecycle (welcome, keepalive, reconnect, revocation framing),
// reconnect backoff, and the subscription reconciler that keeps a
// session's channel.chat.message subscriptions in sync with configured
// channels. The reconnect/backoff shape mirrors a typical Run/runOnce
// reconnecting-client loop, generalized from a raw IRC TCP connection to
// a framed websocket.
package eventsub

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	mrand "math/rand"
	"time"

	"nhooyr.io/websocket"
)

const (
	DefaultWebSocketURL = "wss://eventsub.wss.twitch.tv/ws"

	staleTimeout           = 70 * time.Second
	baseBackoff            = time.Second
	maxBackoff             = 60 * time.Second
	maxConsecutiveFailures = 100
	shutdownGrace          = 2 * time.Second
)

// ChatMessageEvent is the decoded payload of a channel.chat.message
// notification.
type ChatMessageEvent struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	ChatterUserID        string `json:"chatter_user_id"`
	ChatterUserLogin     string `json:"chatter_user_login"`
	MessageID            string `json:"message_id"`
	Message              struct {
		Text string `json:"text"`
	} `json:"message"`
}

// Hooks lets the Identity Supervisor observe session lifecycle events
// without eventsub depending on the supervisor or router packages.
type Hooks struct {
	OnWelcome      func(ctx context.Context, sessionID string)
	OnReconnecting func(ctx context.Context)
	OnChatMessage  func(ctx context.Context, broadcasterID string, ev ChatMessageEvent)
	OnRevocation   func(ctx context.Context, subscriptionID, reason string)
	OnReconnect    func(reason string)
}

// Session owns a single identity's EventSub websocket connection,
// including reconnects triggered by session_reconnect frames or
// transport failures.
type Session struct {
	url string
	log *slog.Logger
	hk  Hooks
}

// NewSession builds a Session that will dial startURL (normally
// DefaultWebSocketURL; tests point it at an httptest-backed ws server).
func NewSession(startURL string, logger *slog.Logger, hooks Hooks) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{url: startURL, log: logger, hk: hooks}
}

// Run dials, reconnects, and backs off until ctx is cancelled or the
// consecutive-failure cap is crossed.
func (s *Session) Run(ctx context.Context) error {
	backoff := baseBackoff
	failures := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		reconnectURL, err := s.runOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if s.hk.OnReconnect != nil {
				s.hk.OnReconnect(classifyFailure(err))
			}
			if failures >= maxConsecutiveFailures {
				return fmt.Errorf("%w: %v", ErrTooManyFailures, err)
			}
			s.log.Warn("eventsub: session disconnected, reconnecting", "err", err, "backoff", backoff)
			if !sleep(ctx, jitter(backoff)) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}

		failures = 0
		backoff = baseBackoff
		if reconnectURL != "" {
			if s.hk.OnReconnect != nil {
				s.hk.OnReconnect("session_reconnect")
			}
			s.url = reconnectURL
		}
	}
}

// runOnce dials s.url and services frames until the connection closes,
// goes stale, or a session_reconnect frame names a new URL to swap to.
func (s *Session) runOnce(ctx context.Context) (reconnectURL string, err error) {
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return "", fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	frames := make(chan frame, 8)
	go func() {
		for {
			_, data, readErr := conn.Read(readCtx)
			select {
			case frames <- frame{data, readErr}:
			case <-readCtx.Done():
				return
			}
			if readErr != nil {
				return
			}
		}
	}()

	staleTimer := time.NewTimer(staleTimeout)
	defer staleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drainPending(frames)
			return "", ctx.Err()

		case <-staleTimer.C:
			return "", ErrStale

		case f := <-frames:
			if f.err != nil {
				return "", fmt.Errorf("read: %w", f.err)
			}
			if !staleTimer.Stop() {
				select {
				case <-staleTimer.C:
				default:
				}
			}
			staleTimer.Reset(staleTimeout)

			next, handleErr := s.handleFrame(ctx, f.data)
			if handleErr != nil {
				return "", handleErr
			}
			if next != "" {
				return next, nil
			}
		}
	}
}

type frame struct {
	data []byte
	err  error
}

// drainPending gives any frames already read off the websocket into the
// buffered channel up to shutdownGrace to finish processing — a
// notification that arrived just before shutdown (e.g. a chat command
// mid-apply) still gets handled instead of being silently dropped when
// the connection is forced closed.
func (s *Session) drainPending(frames chan frame) {
	if len(frames) == 0 {
		return
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for {
		select {
		case f := <-frames:
			if f.err != nil {
				return
			}
			if _, err := s.handleFrame(drainCtx, f.data); err != nil {
				s.log.Warn("eventsub: error handling frame during shutdown drain", "err", err)
			}
		default:
			return
		}
	}
}

type envelope struct {
	Metadata struct {
		MessageType      string `json:"message_type"`
		SubscriptionType string `json:"subscription_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Session) handleFrame(ctx context.Context, data []byte) (reconnectURL string, err error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Metadata.MessageType {
	case "session_welcome":
		var payload struct {
			Session struct {
				ID                      string `json:"id"`
				KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
			} `json:"session"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return "", fmt.Errorf("decode welcome: %w", err)
		}
		if s.hk.OnWelcome != nil {
			s.hk.OnWelcome(ctx, payload.Session.ID)
		}

	case "session_keepalive":
		// staleTimer already reset by the caller.

	case "session_reconnect":
		var payload struct {
			Session struct {
				ReconnectURL string `json:"reconnect_url"`
			} `json:"session"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return "", fmt.Errorf("decode reconnect: %w", err)
		}
		if s.hk.OnReconnecting != nil {
			s.hk.OnReconnecting(ctx)
		}
		return payload.Session.ReconnectURL, nil

	case "notification":
		if env.Metadata.SubscriptionType != "channel.chat.message" {
			return "", nil
		}
		var payload struct {
			Event ChatMessageEvent `json:"event"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return "", fmt.Errorf("decode notification: %w", err)
		}
		if s.hk.OnChatMessage != nil {
			s.hk.OnChatMessage(ctx, payload.Event.BroadcasterUserID, payload.Event)
		}

	case "revocation":
		var payload struct {
			Subscription struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"subscription"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return "", fmt.Errorf("decode revocation: %w", err)
		}
		if s.hk.OnRevocation != nil {
			s.hk.OnRevocation(ctx, payload.Subscription.ID, payload.Subscription.Status)
		}

	default:
		s.log.Debug("eventsub: unhandled message type", "type", env.Metadata.MessageType)
	}

	return "", nil
}

func classifyFailure(err error) string {
	switch {
	case err == ErrStale:
		return "stale"
	default:
		return "transport_error"
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// jitter applies +/-20% jitter to d using a crypto-seeded source so
// reconnect storms across many identities don't stay correlated.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	offset := (jitterRand.Float64()*2 - 1) * spread
	result := float64(d) + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(math.Round(result))
}

var jitterRand = newSeededRand()

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

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
