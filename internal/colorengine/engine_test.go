package colorengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hpwn/colorchanger/internal/configstore"
	"github.com/hpwn/colorchanger/internal/helix"
)

func newEngineTestEnv(t *testing.T, mux *http.ServeMux, id configstore.Identity) (*Engine, *configstore.Store) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	helix.TokenURL = srv.URL + "/oauth2/token"
	helix.ValidateURL = srv.URL + "/oauth2/validate"
	helix.DeviceURL = srv.URL + "/oauth2/device"
	helix.HelixBaseURL = srv.URL + "/helix"

	client := helix.NewClient(srv.Client(), nil)
	store := configstore.New(t.TempDir()+"/conf.json", nil)
	if err := store.Save([]configstore.Identity{id}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	engine := New(id.Username, "clientid01", client, store, nil, Hooks{})
	return engine, store
}

func waitForColor(t *testing.T, store *configstore.Store, username, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, id := range store.Snapshot() {
			if id.Username == username && id.LastColor == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for last_color to become %q", want)
}

func TestApplySuccessPersistsLastColorAndResetsStrikes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/helix/chat/color", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	engine, store := newEngineTestEnv(t, mux, configstore.Identity{
		Username: "colorbot", Channels: []string{"c"}, Enabled: true,
		IsPrimeOrTurbo: true, HexRejectionStrikes: 1,
	})

	engine.Trigger(context.Background(), "oauth:x", "u1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := store.Snapshot()
		if len(snap) == 1 && snap[0].LastColor != "" && snap[0].HexRejectionStrikes == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for successful apply to persist")
}

func TestApplyHexUnavailableFallsBackToPreset(t *testing.T) {
	var attempts []string
	mux := http.NewServeMux()
	mux.HandleFunc("/helix/chat/color", func(w http.ResponseWriter, r *http.Request) {
		color := r.URL.Query().Get("color")
		attempts = append(attempts, color)
		if len(color) > 0 && color[0] == '#' {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"Hex color code requires Turbo or Prime"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	engine, store := newEngineTestEnv(t, mux, configstore.Identity{
		Username: "colorbot", Channels: []string{"c"}, Enabled: true,
		IsPrimeOrTurbo: true, HexRejectionStrikes: 1,
	})

	engine.Trigger(context.Background(), "oauth:x", "u1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := store.Snapshot()
		if len(snap) == 1 && snap[0].LastColor != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap := store.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected single identity, got %v", snap)
	}
	if snap[0].HexRejectionStrikes < 2 {
		t.Fatalf("expected strikes to reach cap, got %d", snap[0].HexRejectionStrikes)
	}
	if len(snap[0].LastColor) > 0 && snap[0].LastColor[0] == '#' {
		t.Fatalf("expected final applied color to be a preset, got %q", snap[0].LastColor)
	}
	if snap[0].IsPrimeOrTurbo {
		t.Fatalf("expected identity to be demoted off hex colors after reaching the strike cap")
	}
}

func TestApplyTokenInvalidStopsAndFiresHook(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/helix/chat/color", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	helix.TokenURL = srv.URL + "/oauth2/token"
	helix.ValidateURL = srv.URL + "/oauth2/validate"
	helix.DeviceURL = srv.URL + "/oauth2/device"
	helix.HelixBaseURL = srv.URL + "/helix"
	client := helix.NewClient(srv.Client(), nil)

	store := configstore.New(t.TempDir()+"/conf.json", nil)
	if err := store.Save([]configstore.Identity{{Username: "colorbot", Channels: []string{"c"}, Enabled: true}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	invalidFired := make(chan struct{}, 1)
	engine := New("colorbot", "clientid01", client, store, nil, Hooks{
		OnTokenInvalid: func(ctx context.Context) { invalidFired <- struct{}{} },
	})

	engine.Trigger(context.Background(), "oauth:x", "u1")

	select {
	case <-invalidFired:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnTokenInvalid")
	}
}

func TestTriggerCoalescesConcurrentCalls(t *testing.T) {
	var mu = make(chan struct{}, 1)
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/helix/chat/color", func(w http.ResponseWriter, r *http.Request) {
		mu <- struct{}{}
		calls++
		<-mu
		time.Sleep(30 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	})

	engine, store := newEngineTestEnv(t, mux, configstore.Identity{
		Username: "colorbot", Channels: []string{"c"}, Enabled: true,
	})

	engine.Trigger(context.Background(), "oauth:x", "u1")
	engine.Trigger(context.Background(), "oauth:x", "u1")
	engine.Trigger(context.Background(), "oauth:x", "u1")

	waitForColorNonEmpty(t, store, "colorbot")

	if calls == 0 || calls > 3 {
		t.Fatalf("unexpected call count: %d", calls)
	}
}

func waitForColorNonEmpty(t *testing.T, store *configstore.Store, username string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, id := range store.Snapshot() {
			if id.Username == username && id.LastColor != "" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a color to be applied")
}
