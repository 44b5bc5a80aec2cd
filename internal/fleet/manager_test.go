package fleet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/hpwn/colorchanger/internal/configstore"
	"github.com/hpwn/colorchanger/internal/helix"
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

func newFleetTestEnv(t *testing.T) (*helix.Client, *configstore.Store, *configstore.BroadcasterCache, string) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_id": "clientid01", "login": "colorbot", "user_id": "u1",
			"scopes": []string{"user:manage:chat_color", "user:read:chat", "user:bot"}, "expires_in": 3600,
		})
	})
	mux.HandleFunc("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"id": "u1", "login": "colorbot"}}})
	})
	mux.HandleFunc("/helix/chat/color", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"user_id": "u1", "color": "#123456"}}})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/helix/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
		case http.MethodPost:
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"id": "sub-1"}}})
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
		<-r.Context().Done()
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	helix.TokenURL = srv.URL + "/oauth2/token"
	helix.ValidateURL = srv.URL + "/oauth2/validate"
	helix.DeviceURL = srv.URL + "/oauth2/device"
	helix.HelixBaseURL = srv.URL + "/helix"

	client := helix.NewClient(srv.Client(), nil)
	store := configstore.New(t.TempDir()+"/conf.json", nil)
	cache := configstore.NewBroadcasterCache(t.TempDir()+"/bc.json", nil)

	return client, store, cache, wsURL(srv.URL) + "/ws"
}

func seedIdentity(t *testing.T, store *configstore.Store, username string, channels []string) {
	t.Helper()
	expiry := time.Now().Add(1 * time.Hour)
	if err := store.Save([]configstore.Identity{{
		Username: username, ClientID: "clientid01", ClientSecret: "secret01",
		AccessToken: "access-1", RefreshToken: "refresh-1", TokenExpiry: &expiry,
		Channels: channels, Enabled: true,
	}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestManagerStartsSupervisorForConfiguredIdentity(t *testing.T) {
	client, store, cache, ws := newFleetTestEnv(t)
	seedIdentity(t, store, "colorbot", []string{"somechannel"})

	mgr := New(store, cache, client, nil, nil, ws)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(mgr.Identities()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(mgr.Identities()) != 1 {
		t.Fatalf("expected one running supervisor, got %v", mgr.Identities())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for manager to shut down")
	}
}

func TestReconcileRuntimeOnlyChangeDoesNotRestart(t *testing.T) {
	client, store, cache, ws := newFleetTestEnv(t)
	seedIdentity(t, store, "colorbot", []string{"somechannel"})

	mgr := New(store, cache, client, nil, nil, ws)
	ctx := context.Background()
	mgr.reconcile(ctx, store.Snapshot())

	mgr.mu.Lock()
	before := mgr.running["colorbot"]
	mgr.mu.Unlock()

	enabled := false
	if _, err := store.UpdateUser("colorbot", configstore.Patch{Enabled: &enabled}); err != nil {
		t.Fatalf("update: %v", err)
	}
	mgr.reconcile(ctx, store.Snapshot())

	mgr.mu.Lock()
	after := mgr.running["colorbot"]
	mgr.mu.Unlock()

	if before != after {
		t.Fatal("expected runtime-only change to leave the running supervisor untouched")
	}

	mgr.mu.Lock()
	for _, rs := range mgr.running {
		rs.cancel()
	}
	mgr.mu.Unlock()
}

func TestReconcileChannelChangeRestarts(t *testing.T) {
	client, store, cache, ws := newFleetTestEnv(t)
	seedIdentity(t, store, "colorbot", []string{"somechannel"})

	mgr := New(store, cache, client, nil, nil, ws)
	ctx := context.Background()
	mgr.reconcile(ctx, store.Snapshot())

	mgr.mu.Lock()
	before := mgr.running["colorbot"]
	mgr.mu.Unlock()

	if err := store.Save([]configstore.Identity{{
		Username: "colorbot", ClientID: "clientid01", ClientSecret: "secret01",
		Channels: []string{"otherchannel"}, Enabled: true,
	}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	mgr.reconcile(ctx, store.Snapshot())

	mgr.mu.Lock()
	after := mgr.running["colorbot"]
	mgr.mu.Unlock()

	if before == after {
		t.Fatal("expected channel-list change to restart the supervisor")
	}

	mgr.mu.Lock()
	for _, rs := range mgr.running {
		rs.cancel()
	}
	mgr.mu.Unlock()
}
