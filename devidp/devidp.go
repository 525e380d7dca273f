// Package devidp is a self-contained OpenID Connect provider for development
// and tests. It skips the login page entirely: every authorization request is
// approved immediately for a fixed development user.
package devidp

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultSubject identifies the fixed development user.
	DefaultSubject = "dev-user"
	DefaultEmail   = "dev@example.org"

	codeLifetime  = 5 * time.Minute
	tokenLifetime = 15 * time.Minute
)

// authCode is one issued, consume-once authorization code.
type authCode struct {
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	Scope         string
	Nonce         string
	IssuedAt      time.Time
}

// Provider implements the identity provider endpoints under a chi router.
type Provider struct {
	mu      sync.Mutex
	issuer  string
	codes   map[string]authCode
	refresh map[string]string

	key    *signingKey
	logger *slog.Logger
}

// New constructs a Provider with a fresh signing key.
func New(logger *slog.Logger) (*Provider, error) {
	key, err := newSigningKey()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		codes:   make(map[string]authCode),
		refresh: make(map[string]string),
		key:     key,
		logger:  logger,
	}, nil
}

// SetIssuer fixes the issuer URL advertised in discovery and stamped into
// tokens. Tests call this with their httptest server URL.
func (p *Provider) SetIssuer(issuer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issuer = issuer
}

// Routes returns the provider's HTTP surface.
func (p *Provider) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", p.handleDiscovery)
	r.Get("/authorize", p.handleAuthorize)
	r.Post("/token", p.handleToken)
	r.Get("/jwks.json", p.handleJWKS)
	return r
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	issuer := p.issuer
	p.mu.Unlock()

	doc := map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"jwks_uri":                              issuer + "/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"subject_types_supported":               []string{"public"},
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleAuthorize approves the request without any login interaction and
// redirects back with a fresh code.
func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	redirectURI := query.Get("redirect_uri")
	if redirectURI == "" {
		http.Error(w, "redirect_uri required", http.StatusBadRequest)
		return
	}
	if query.Get("response_type") != "code" {
		p.redirectError(w, r, redirectURI, query.Get("state"), "unsupported_response_type")
		return
	}
	if query.Get("client_id") == "" {
		p.redirectError(w, r, redirectURI, query.Get("state"), "invalid_request")
		return
	}

	code := uuid.NewString()
	p.mu.Lock()
	p.codes[code] = authCode{
		ClientID:      query.Get("client_id"),
		RedirectURI:   redirectURI,
		CodeChallenge: query.Get("code_challenge"),
		Scope:         query.Get("scope"),
		Nonce:         query.Get("nonce"),
		IssuedAt:      time.Now(),
	}
	p.mu.Unlock()

	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	vals := target.Query()
	vals.Set("code", code)
	if state := query.Get("state"); state != "" {
		vals.Set("state", state)
	}
	target.RawQuery = vals.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		p.handleCodeGrant(w, r)
	case "refresh_token":
		p.handleRefreshGrant(w, r)
	default:
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (p *Provider) handleCodeGrant(w http.ResponseWriter, r *http.Request) {
	code := r.PostFormValue("code")

	p.mu.Lock()
	stored, ok := p.codes[code]
	if ok {
		delete(p.codes, code)
	}
	p.mu.Unlock()

	if !ok || time.Since(stored.IssuedAt) > codeLifetime {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "code not found or expired")
		return
	}
	if clientID := r.PostFormValue("client_id"); clientID != stored.ClientID {
		tokenError(w, http.StatusBadRequest, "invalid_client", "client_id mismatch")
		return
	}
	if redirect := r.PostFormValue("redirect_uri"); redirect != stored.RedirectURI {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if stored.CodeChallenge != "" {
		verifier := r.PostFormValue("code_verifier")
		sum := sha256.Sum256([]byte(verifier))
		challenge := base64.RawURLEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(challenge), []byte(stored.CodeChallenge)) != 1 {
			tokenError(w, http.StatusBadRequest, "invalid_grant", "pkce verification failed")
			return
		}
	}

	p.issueTokens(w, stored.ClientID, stored.Nonce)
}

func (p *Provider) handleRefreshGrant(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.PostFormValue("refresh_token")

	p.mu.Lock()
	clientID, ok := p.refresh[refreshToken]
	if ok {
		delete(p.refresh, refreshToken)
	}
	p.mu.Unlock()

	if !ok {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "unknown refresh token")
		return
	}
	if got := r.PostFormValue("client_id"); got != clientID {
		tokenError(w, http.StatusBadRequest, "invalid_client", "client_id mismatch")
		return
	}

	p.issueTokens(w, clientID, "")
}

func (p *Provider) issueTokens(w http.ResponseWriter, clientID, nonce string) {
	p.mu.Lock()
	issuer := p.issuer
	p.mu.Unlock()

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":                issuer,
		"sub":                DefaultSubject,
		"aud":                clientID,
		"iat":                now.Unix(),
		"exp":                now.Add(tokenLifetime).Unix(),
		"email":              DefaultEmail,
		"preferred_username": DefaultSubject,
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}

	idToken, err := p.key.sign(claims)
	if err != nil {
		p.logger.Error("dev idp sign failed", "error", err)
		tokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	refreshToken := uuid.NewString()
	p.mu.Lock()
	p.refresh[refreshToken] = clientID
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  idToken,
		"id_token":      idToken,
		"refresh_token": refreshToken,
		"token_type":    "Bearer",
		"expires_in":    int64(tokenLifetime.Seconds()),
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.key.publicJWKS())
}

func (p *Provider) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code string) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, code, http.StatusBadRequest)
		return
	}
	vals := target.Query()
	vals.Set("error", code)
	if state != "" {
		vals.Set("state", state)
	}
	target.RawQuery = vals.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func tokenError(w http.ResponseWriter, status int, code, description string) {
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
