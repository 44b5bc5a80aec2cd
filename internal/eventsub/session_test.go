package eventsub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func welcomeFrame(sessionID string) []byte {
	env := map[string]any{
		"metadata": map[string]any{"message_type": "session_welcome"},
		"payload": map[string]any{
			"session": map[string]any{"id": sessionID, "keepalive_timeout_seconds": 30},
		},
	}
	data, _ := json.Marshal(env)
	return data
}

func TestSessionWelcomeFiresHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_ = conn.Write(r.Context(), websocket.MessageText, welcomeFrame("sess-1"))
		<-r.Context().Done()
	}))
	defer srv.Close()

	welcomed := make(chan string, 1)
	sess := NewSession(wsURL(srv.URL), nil, Hooks{
		OnWelcome: func(ctx context.Context, sessionID string) { welcomed <- sessionID },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go sess.Run(ctx)

	select {
	case id := <-welcomed:
		if id != "sess-1" {
			t.Fatalf("unexpected session id: %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for welcome hook")
	}
}

func TestSessionReconnectFrameSwapsURL(t *testing.T) {
	var second *httptest.Server
	reconnected := make(chan struct{}, 1)

	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_ = conn.Write(r.Context(), websocket.MessageText, welcomeFrame("sess-1"))

		env := map[string]any{
			"metadata": map[string]any{"message_type": "session_reconnect"},
			"payload": map[string]any{
				"session": map[string]any{"reconnect_url": wsURL(second.URL)},
			},
		}
		data, _ := json.Marshal(env)
		time.Sleep(20 * time.Millisecond)
		_ = conn.Write(r.Context(), websocket.MessageText, data)
		<-r.Context().Done()
	}))
	defer first.Close()

	second = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_ = conn.Write(r.Context(), websocket.MessageText, welcomeFrame("sess-2"))
		reconnected <- struct{}{}
		<-r.Context().Done()
	}))
	defer second.Close()

	var welcomeCount int
	done := make(chan struct{})
	sess := NewSession(wsURL(first.URL), nil, Hooks{
		OnWelcome: func(ctx context.Context, sessionID string) {
			welcomeCount++
			if sessionID == "sess-2" {
				close(done)
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go sess.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnect to swap session")
	}
}

func TestSessionNotificationDispatchesChatMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_ = conn.Write(r.Context(), websocket.MessageText, welcomeFrame("sess-1"))

		env := map[string]any{
			"metadata": map[string]any{
				"message_type":      "notification",
				"subscription_type": "channel.chat.message",
			},
			"payload": map[string]any{
				"event": map[string]any{
					"broadcaster_user_id":    "b1",
					"broadcaster_user_login": "broadcaster",
					"chatter_user_id":        "u1",
					"chatter_user_login":     "colorbot",
					"message_id":             "m1",
					"message":                map[string]any{"text": "ccc red"},
				},
			},
		}
		data, _ := json.Marshal(env)
		_ = conn.Write(r.Context(), websocket.MessageText, data)
		<-r.Context().Done()
	}))
	defer srv.Close()

	events := make(chan ChatMessageEvent, 1)
	sess := NewSession(wsURL(srv.URL), nil, Hooks{
		OnChatMessage: func(ctx context.Context, broadcasterID string, ev ChatMessageEvent) {
			events <- ev
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go sess.Run(ctx)

	select {
	case ev := <-events:
		if ev.Message.Text != "ccc red" || ev.ChatterUserLogin != "colorbot" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chat message notification")
	}
}

func TestJitterStaysWithinTwentyPercent(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		got := jitter(base)
		if got < 8*time.Second || got > 12*time.Second {
			t.Fatalf("jitter out of range: %s", got)
		}
	}
}

func TestNextBackoffCapsAtMax(t *testing.T) {
	b := 40 * time.Second
	b = nextBackoff(b)
	if b != maxBackoff {
		t.Fatalf("expected cap at %s, got %s", maxBackoff, b)
	}
}
