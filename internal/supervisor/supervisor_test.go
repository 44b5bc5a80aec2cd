package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/hpwn/colorchanger/internal/configstore"
	"github.com/hpwn/colorchanger/internal/helix"
)

type stubMetrics struct {
	restarts int32
}

func (m *stubMetrics) IncRestart(string)                       { atomic.AddInt32(&m.restarts, 1) }
func (m *stubMetrics) SetSupervisorState(string, string)        {}
func (m *stubMetrics) IncReconnect(string, string)              {}
func (m *stubMetrics) SetSubscriptionDrift(string, string, int) {}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// wsMessageScript, when set, is written to every connecting test client
// after the welcome frame. Tests that need scripted notification frames
// set this before calling newFullStackEnv and restore it afterward.
var wsMessageScript [][]byte

func chatNotificationFrame(chatterUserID, broadcasterLogin, text string) []byte {
	env := map[string]any{
		"metadata": map[string]any{"message_type": "notification", "subscription_type": "channel.chat.message"},
		"payload": map[string]any{
			"event": map[string]any{
				"chatter_user_id":        chatterUserID,
				"chatter_user_login":     chatterUserID,
				"broadcaster_user_login": broadcasterLogin,
				"broadcaster_user_id":    "b-" + broadcasterLogin,
				"message":                map[string]any{"text": text},
			},
		},
	}
	data, _ := json.Marshal(env)
	return data
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

// newFullStackEnv wires a combined Helix+EventSub httptest environment so
// a Supervisor can run its entire start sequence against fakes.
func newFullStackEnv(t *testing.T) (*helix.Client, *configstore.Store, *configstore.BroadcasterCache, string) {
	t.Helper()

	var wsSrv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_id": "clientid01", "login": "colorbot", "user_id": "u1",
			"scopes": []string{"user:manage:chat_color", "user:read:chat", "user:bot"},
			"expires_in": 3600,
		})
	})
	mux.HandleFunc("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": "u1", "login": "colorbot"}},
		})
	})
	mux.HandleFunc("/helix/chat/color", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{"user_id": "u1", "color": "#123456"}},
			})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/helix/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
		case http.MethodPost:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{"id": "sub-1"}},
			})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_ = conn.Write(r.Context(), websocket.MessageText, welcomeFrame("sess-1"))
		if wsMessageScript != nil {
			for _, frame := range wsMessageScript {
				time.Sleep(20 * time.Millisecond)
				_ = conn.Write(r.Context(), websocket.MessageText, frame)
			}
		}
		<-r.Context().Done()
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	wsSrv = srv

	helix.TokenURL = srv.URL + "/oauth2/token"
	helix.ValidateURL = srv.URL + "/oauth2/validate"
	helix.DeviceURL = srv.URL + "/oauth2/device"
	helix.HelixBaseURL = srv.URL + "/helix"

	client := helix.NewClient(srv.Client(), nil)
	store := configstore.New(t.TempDir()+"/conf.json", nil)
	expiry := time.Now().Add(1 * time.Hour)
	if err := store.Save([]configstore.Identity{{
		Username:     "colorbot",
		ClientID:     "clientid01",
		ClientSecret: "secret01",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenExpiry:  &expiry,
		Channels:     []string{"somechannel"},
		Enabled:      true,
	}}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	cache := configstore.NewBroadcasterCache(t.TempDir()+"/bc.json", nil)

	return client, store, cache, wsURL(wsSrv.URL) + "/ws"
}

func TestSupervisorRunOnceCompletesStartSequence(t *testing.T) {
	client, store, cache, wsURL := newFullStackEnv(t)

	sup := New("colorbot", client, store, cache, nil, nil).WithWebSocketURL(wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := sup.runOnce(ctx)
	if err != nil && err != context.DeadlineExceeded {
		t.Fatalf("unexpected runOnce error: %v", err)
	}

	snap := store.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one identity, got %d", len(snap))
	}
	if snap[0].UserID != "u1" {
		t.Fatalf("expected user id resolved to u1, got %q", snap[0].UserID)
	}
	if snap[0].LastColor != "#123456" {
		t.Fatalf("expected initial last_color seeded from GetColor, got %q", snap[0].LastColor)
	}
}

func TestSupervisorAutoChangesColorOnOwnMessage(t *testing.T) {
	wsMessageScript = [][]byte{chatNotificationFrame("u1", "somechannel", "hi everyone")}
	t.Cleanup(func() { wsMessageScript = nil })

	client, store, cache, wsURL := newFullStackEnv(t)
	sup := New("colorbot", client, store, cache, nil, nil).WithWebSocketURL(wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 800*time.Millisecond)
	defer cancel()
	err := sup.runOnce(ctx)
	if err != nil && err != context.DeadlineExceeded {
		t.Fatalf("unexpected runOnce error: %v", err)
	}

	snap := store.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one identity, got %d", len(snap))
	}
	if snap[0].LastColor == "#123456" {
		t.Fatal("expected own chat message to trigger a color change away from the initial color")
	}
}

func TestSupervisorRunStopsPermanentlyAfterRepeatedFailures(t *testing.T) {
	store := configstore.New(t.TempDir()+"/conf.json", nil)
	if err := store.Save([]configstore.Identity{{
		Username: "ghost", ClientID: "cid", ClientSecret: "secret", Channels: []string{"c"}, Enabled: true,
	}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cache := configstore.NewBroadcasterCache(t.TempDir()+"/bc.json", nil)

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	helix.TokenURL = srv.URL + "/oauth2/token"
	helix.ValidateURL = srv.URL + "/oauth2/validate"
	helix.DeviceURL = srv.URL + "/oauth2/device"
	helix.HelixBaseURL = srv.URL + "/helix"
	client := helix.NewClient(srv.Client(), nil)

	metrics := &stubMetrics{}
	sup := New("ghost", client, store, cache, nil, metrics).
		WithRestartPolicy(time.Millisecond, 5*time.Millisecond, 5)

	// Remove the identity before Run starts so every runOnce fails immediately
	// and the restart loop burns through its failure budget fast.
	if err := store.Save(nil); err != nil {
		t.Fatalf("clear store: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected terminal error after repeated failures")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for supervisor to stop permanently")
	}

	if atomic.LoadInt32(&metrics.restarts) == 0 {
		t.Fatal("expected at least one restart to be recorded")
	}
}
