package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newDiscoveryServer(t *testing.T, fetches *atomic.Int32) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/authorize",
			"token_endpoint":         srv.URL + "/token",
			"jwks_uri":               srv.URL + "/jwks.json",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchDiscovery(t *testing.T) {
	var fetches atomic.Int32
	srv := newDiscoveryServer(t, &fetches)
	storage := newTestStorage(t)

	doc, err := FetchDiscovery(context.Background(), storage, srv.URL)
	if err != nil {
		t.Fatalf("FetchDiscovery: %v", err)
	}
	if doc.AuthorizationEndpoint != srv.URL+"/authorize" {
		t.Fatalf("authorization endpoint = %q", doc.AuthorizationEndpoint)
	}
	if doc.TokenEndpoint != srv.URL+"/token" {
		t.Fatalf("token endpoint = %q", doc.TokenEndpoint)
	}
	if fetches.Load() != 1 {
		t.Fatalf("expected 1 network fetch, got %d", fetches.Load())
	}
}

func TestFetchDiscoveryUsesCache(t *testing.T) {
	var fetches atomic.Int32
	srv := newDiscoveryServer(t, &fetches)
	storage := newTestStorage(t)

	if _, err := FetchDiscovery(context.Background(), storage, srv.URL); err != nil {
		t.Fatalf("FetchDiscovery: %v", err)
	}
	if _, err := FetchDiscovery(context.Background(), storage, srv.URL); err != nil {
		t.Fatalf("FetchDiscovery (cached): %v", err)
	}
	if fetches.Load() != 1 {
		t.Fatalf("second call should hit the cache, got %d fetches", fetches.Load())
	}
}

func TestFetchDiscoveryIgnoresStaleCache(t *testing.T) {
	var fetches atomic.Int32
	srv := newDiscoveryServer(t, &fetches)
	storage := newTestStorage(t)

	stale := cachedDiscovery{
		Issuer:    srv.URL,
		FetchedAt: time.Now().Add(-4 * time.Hour),
		Document:  DiscoveryDocument{TokenEndpoint: "https://stale.test/token"},
	}
	if err := storage.SaveJSON(KeyDiscovery, stale); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}

	doc, err := FetchDiscovery(context.Background(), storage, srv.URL)
	if err != nil {
		t.Fatalf("FetchDiscovery: %v", err)
	}
	if doc.TokenEndpoint != srv.URL+"/token" {
		t.Fatalf("stale cache should be replaced, got %q", doc.TokenEndpoint)
	}
	if fetches.Load() != 1 {
		t.Fatalf("expected a refetch past max age, got %d", fetches.Load())
	}
}

func TestFetchDiscoveryIgnoresOtherIssuerCache(t *testing.T) {
	var fetches atomic.Int32
	srv := newDiscoveryServer(t, &fetches)
	storage := newTestStorage(t)

	other := cachedDiscovery{
		Issuer:    "https://other.test",
		FetchedAt: time.Now(),
		Document:  DiscoveryDocument{TokenEndpoint: "https://other.test/token"},
	}
	if err := storage.SaveJSON(KeyDiscovery, other); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}

	doc, err := FetchDiscovery(context.Background(), storage, srv.URL)
	if err != nil {
		t.Fatalf("FetchDiscovery: %v", err)
	}
	if doc.TokenEndpoint != srv.URL+"/token" {
		t.Fatalf("cache for a different issuer must not be trusted")
	}
}
