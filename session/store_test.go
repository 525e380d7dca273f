package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestStore(t *testing.T, endpoint string) *Store {
	t.Helper()
	store := NewStore(StoreConfig{
		ClientID:    "portal",
		RedirectURI: "http://127.0.0.1:8089/callback",
		Storage:     newTestStorage(t),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if endpoint != "" {
		store.SetEndpoints(&DiscoveryDocument{TokenEndpoint: endpoint})
	}
	return store
}

func tokenEndpointResponse(t *testing.T, w http.ResponseWriter, idToken string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(TokenPayload{
		AccessToken:  "access-token",
		IDToken:      idToken,
		RefreshToken: "refresh-token",
		TokenType:    "Bearer",
		ExpiresIn:    900,
	})
	if err != nil {
		t.Errorf("encode token response: %v", err)
	}
}

func futureIDToken(t *testing.T) string {
	t.Helper()
	return makeUnsignedToken(t, map[string]any{
		"sub": "user-1",
		"iss": "https://idp.test",
		"exp": float64(time.Now().Add(time.Hour).Unix()),
	})
}

func TestTokenHandoffPopulatesSession(t *testing.T) {
	idToken := futureIDToken(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostFormValue("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostFormValue("code_verifier"); got != "verifier-1" {
			t.Errorf("code_verifier = %q", got)
		}
		tokenEndpointResponse(t, w, idToken)
	}))
	defer srv.Close()

	store := newTestStore(t, srv.URL)
	if err := store.TokenHandoff(context.Background(), "code-1", "verifier-1"); err != nil {
		t.Fatalf("TokenHandoff: %v", err)
	}

	snap := store.Snapshot()
	if !snap.Authenticated() {
		t.Fatalf("session should be authenticated after handoff")
	}
	if snap.AccessToken != "access-token" || snap.RefreshToken != "refresh-token" {
		t.Fatalf("tokens not populated: %+v", snap)
	}
	if snap.IDTokenContents == nil || snap.IDTokenContents.Subject != "user-1" {
		t.Fatalf("id token claims not decoded")
	}
	if snap.SessionExpiry == 0 {
		t.Fatalf("session expiry not derived")
	}
	if !snap.HasAttempted || snap.IsHandingOff {
		t.Fatalf("flags wrong after handoff: %+v", snap)
	}
}

func TestTokenHandoffFailureClearsEverything(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "code expired",
		})
	}))
	defer srv.Close()

	store := newTestStore(t, srv.URL)
	err := store.TokenHandoff(context.Background(), "stale-code", "verifier")
	if err == nil {
		t.Fatalf("expected handoff error")
	}
	if err.Error() != "code expired (invalid_grant)" {
		t.Fatalf("error should prefer the provider description, got %q", err.Error())
	}

	assertSessionCleared(t, store.Snapshot())
	if store.Snapshot().Error == "" {
		t.Fatalf("error message should be recorded")
	}
}

func TestRefreshFailureClearsEverything(t *testing.T) {
	idToken := futureIDToken(t)
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		tokenEndpointResponse(t, w, idToken)
	}))
	defer srv.Close()

	store := newTestStore(t, srv.URL)
	if err := store.TokenHandoff(context.Background(), "code", "verifier"); err != nil {
		t.Fatalf("TokenHandoff: %v", err)
	}

	fail.Store(true)
	if err := store.RefreshTokens(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	assertSessionCleared(t, store.Snapshot())
}

func assertSessionCleared(t *testing.T, snap Session) {
	t.Helper()
	if snap.IDToken != "" || snap.IDTokenContents != nil || snap.AccessToken != "" ||
		snap.RefreshToken != "" || snap.SessionExpiry != 0 {
		t.Fatalf("partial session state left behind: %+v", snap)
	}
}

func TestRefreshGuardSingleInFlight(t *testing.T) {
	idToken := futureIDToken(t)
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.PostFormValue("grant_type") == "refresh_token" {
			calls.Add(1)
			entered <- struct{}{}
			<-release
		}
		tokenEndpointResponse(t, w, idToken)
	}))
	defer srv.Close()

	store := newTestStore(t, srv.URL)
	if err := store.TokenHandoff(context.Background(), "code", "verifier"); err != nil {
		t.Fatalf("TokenHandoff: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- store.RefreshTokens(context.Background()) }()
	<-entered

	// Second call while the first is mid-flight is a guarded no-op.
	if err := store.RefreshTokens(context.Background()); err != nil {
		t.Fatalf("guarded refresh returned error: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 refresh call while first in flight, got %d", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 network call, got %d", got)
	}
}

func TestRefreshNoopWithoutRefreshToken(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	store := newTestStore(t, srv.URL)
	if err := store.RefreshTokens(context.Background()); err != nil {
		t.Fatalf("RefreshTokens: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("refresh without a refresh token must not hit the network")
	}

	// Same when the token endpoint is unknown.
	unconfigured := newTestStore(t, "")
	if err := unconfigured.RefreshTokens(context.Background()); err != nil {
		t.Fatalf("RefreshTokens: %v", err)
	}
}

func TestRefreshKeepsOldTokensWhenOmitted(t *testing.T) {
	idToken := futureIDToken(t)
	var refreshed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.PostFormValue("grant_type") == "refresh_token" {
			refreshed.Store(true)
			// No id_token or refresh_token in the response.
			_ = json.NewEncoder(w).Encode(TokenPayload{
				AccessToken: "access-2",
				ExpiresIn:   900,
			})
			return
		}
		tokenEndpointResponse(t, w, idToken)
	}))
	defer srv.Close()

	store := newTestStore(t, srv.URL)
	if err := store.TokenHandoff(context.Background(), "code", "verifier"); err != nil {
		t.Fatalf("TokenHandoff: %v", err)
	}
	if err := store.RefreshTokens(context.Background()); err != nil {
		t.Fatalf("RefreshTokens: %v", err)
	}
	if !refreshed.Load() {
		t.Fatalf("refresh request never issued")
	}

	snap := store.Snapshot()
	if snap.AccessToken != "access-2" {
		t.Fatalf("access token not replaced: %q", snap.AccessToken)
	}
	if snap.IDToken != idToken || snap.RefreshToken != "refresh-token" {
		t.Fatalf("omitted tokens must keep their previous values: %+v", snap)
	}
}

func TestSignOutClearsSessionAndRunsHooks(t *testing.T) {
	idToken := futureIDToken(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenEndpointResponse(t, w, idToken)
	}))
	defer srv.Close()

	store := newTestStore(t, srv.URL)
	var hookRuns atomic.Int32
	store.OnSignOut(func() { hookRuns.Add(1) })

	if err := store.TokenHandoff(context.Background(), "code", "verifier"); err != nil {
		t.Fatalf("TokenHandoff: %v", err)
	}
	store.SignOut()

	assertSessionCleared(t, store.Snapshot())
	if store.AccessToken() != "" {
		t.Fatalf("AccessToken must be empty after sign-out")
	}
	if hookRuns.Load() != 1 {
		t.Fatalf("sign-out hook ran %d times, want 1", hookRuns.Load())
	}
}

func TestAccessTokenEmptyWhenExpired(t *testing.T) {
	expired := makeUnsignedToken(t, map[string]any{
		"sub": "user-1",
		"exp": float64(time.Now().Add(-time.Hour).Unix()),
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenEndpointResponse(t, w, expired)
	}))
	defer srv.Close()

	store := newTestStore(t, srv.URL)
	if err := store.TokenHandoff(context.Background(), "code", "verifier"); err != nil {
		t.Fatalf("TokenHandoff: %v", err)
	}
	if store.AccessToken() != "" {
		t.Fatalf("expired session must not expose a bearer token")
	}
}

func TestAdoptTokens(t *testing.T) {
	store := newTestStore(t, "")
	payload := &TokenPayload{
		AccessToken:  "popup-access",
		IDToken:      futureIDToken(t),
		RefreshToken: "popup-refresh",
		ExpiresIn:    900,
	}
	if err := store.AdoptTokens(payload); err != nil {
		t.Fatalf("AdoptTokens: %v", err)
	}
	snap := store.Snapshot()
	if !snap.Authenticated() || snap.AccessToken != "popup-access" {
		t.Fatalf("adopted session wrong: %+v", snap)
	}
}
