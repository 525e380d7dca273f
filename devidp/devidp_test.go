package devidp

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func newTestProvider(t *testing.T) (*Provider, *httptest.Server) {
	t.Helper()
	p, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(p.Routes())
	t.Cleanup(srv.Close)
	p.SetIssuer(srv.URL)
	return p, srv
}

func authorize(t *testing.T, srv *httptest.Server, challenge string) string {
	t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := client.Get(srv.URL + "/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {"portal"},
		"redirect_uri":          {"http://127.0.0.1:9999/callback"},
		"state":                 {"st"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"scope":                 {"openid email"},
	}.Encode())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize status = %d", resp.StatusCode)
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if loc.Query().Get("state") != "st" {
		t.Fatalf("state not echoed")
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect")
	}
	return code
}

func redeem(t *testing.T, srv *httptest.Server, form url.Values) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/token", "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("token request: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	return resp, body
}

func TestDiscoveryDocument(t *testing.T) {
	_, srv := newTestProvider(t)

	resp, err := http.Get(srv.URL + "/.well-known/openid-configuration")
	if err != nil {
		t.Fatalf("discovery: %v", err)
	}
	defer resp.Body.Close()

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["issuer"] != srv.URL {
		t.Fatalf("issuer = %v", doc["issuer"])
	}
	if doc["token_endpoint"] != srv.URL+"/token" {
		t.Fatalf("token_endpoint = %v", doc["token_endpoint"])
	}
}

func TestAuthorizationCodeFlow(t *testing.T) {
	_, srv := newTestProvider(t)

	verifier := "test-verifier"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	code := authorize(t, srv, challenge)

	resp, body := redeem(t, srv, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {"portal"},
		"redirect_uri":  {"http://127.0.0.1:9999/callback"},
		"code_verifier": {verifier},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d: %v", resp.StatusCode, body)
	}

	idToken, _ := body["id_token"].(string)
	if idToken == "" {
		t.Fatalf("no id_token issued")
	}
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, mc); err != nil {
		t.Fatalf("parse id token: %v", err)
	}
	if mc["sub"] != DefaultSubject {
		t.Fatalf("sub = %v", mc["sub"])
	}
	if mc["iss"] != srv.URL {
		t.Fatalf("iss = %v", mc["iss"])
	}

	// Codes are consume-once.
	resp, _ = redeem(t, srv, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {"portal"},
		"redirect_uri":  {"http://127.0.0.1:9999/callback"},
		"code_verifier": {verifier},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("replayed code must be rejected, got %d", resp.StatusCode)
	}
}

func TestTokenRejectsWrongVerifier(t *testing.T) {
	_, srv := newTestProvider(t)

	sum := sha256.Sum256([]byte("right-verifier"))
	code := authorize(t, srv, base64.RawURLEncoding.EncodeToString(sum[:]))

	resp, body := redeem(t, srv, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {"portal"},
		"redirect_uri":  {"http://127.0.0.1:9999/callback"},
		"code_verifier": {"wrong-verifier"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("wrong verifier must be rejected, got %d", resp.StatusCode)
	}
	if body["error"] != "invalid_grant" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestRefreshGrant(t *testing.T) {
	_, srv := newTestProvider(t)

	sum := sha256.Sum256([]byte("v"))
	code := authorize(t, srv, base64.RawURLEncoding.EncodeToString(sum[:]))
	resp, body := redeem(t, srv, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {"portal"},
		"redirect_uri":  {"http://127.0.0.1:9999/callback"},
		"code_verifier": {"v"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d", resp.StatusCode)
	}
	refreshToken, _ := body["refresh_token"].(string)
	if refreshToken == "" {
		t.Fatalf("no refresh token issued")
	}

	resp, body = redeem(t, srv, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {"portal"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d: %v", resp.StatusCode, body)
	}
	if body["id_token"] == "" {
		t.Fatalf("refresh must mint a new id token")
	}

	// Refresh tokens rotate; the old one is gone.
	resp, _ = redeem(t, srv, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {"portal"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("replayed refresh token must be rejected, got %d", resp.StatusCode)
	}
}

func TestJWKSExposesPublicKey(t *testing.T) {
	_, srv := newTestProvider(t)

	resp, err := http.Get(srv.URL + "/jwks.json")
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	defer resp.Body.Close()

	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(set.Keys))
	}
	if set.Keys[0]["use"] != "sig" || set.Keys[0]["kty"] != "RSA" {
		t.Fatalf("unexpected key: %v", set.Keys[0])
	}
}
