package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Session is the token state owned by the Store. All mutation goes through
// the Store's entry points; nothing else writes these fields.
//
// Invariants: IDTokenContents is nil exactly when IDToken is empty, and any
// failure path clears every token field together, so partial sessions are
// never observable.
type Session struct {
	IDToken         string
	IDTokenContents *IDTokenClaims
	AccessToken     string
	RefreshToken    string
	SessionExpiry   float64
	HasAttempted    bool
	IsHandingOff    bool
	IsRefreshing    bool
	Error           string
}

// Authenticated reports whether the session holds unexpired identity claims.
func (s Session) Authenticated() bool {
	return IsAuthenticated(s.IDTokenContents)
}

// event is the closed set of session transitions. The reducer in apply is the
// only place session fields change.
type event interface{ sessionEvent() }

type handoffStarted struct{}
type handoffSucceeded struct {
	payload *TokenPayload
	claims  *IDTokenClaims
	now     time.Time
}
type handoffFailed struct{ message string }
type refreshSucceeded struct {
	payload *TokenPayload
	claims  *IDTokenClaims
	now     time.Time
}
type refreshFailed struct{ message string }
type signedOut struct{}
type attemptFinished struct{}

func (handoffStarted) sessionEvent()   {}
func (handoffSucceeded) sessionEvent() {}
func (handoffFailed) sessionEvent()    {}
func (refreshSucceeded) sessionEvent() {}
func (refreshFailed) sessionEvent()    {}
func (signedOut) sessionEvent()        {}
func (attemptFinished) sessionEvent()  {}

// StoreConfig configures a Store.
type StoreConfig struct {
	ClientID    string
	RedirectURI string
	HTTPClient  *http.Client
	Storage     *Storage
	Logger      *slog.Logger
}

// Store owns the Session. It performs the token handoff and refresh against
// the identity provider's token endpoint and notifies registered hooks when
// the session identity is cleared (sign-out or exchange failure) so
// session-scoped caches can be wiped.
type Store struct {
	mu            sync.RWMutex
	session       Session
	tokenEndpoint string
	onInvalidate  []func()

	clientID    string
	redirectURI string
	httpClient  *http.Client
	storage     *Storage
	logger      *slog.Logger
}

// NewStore constructs a Store with an empty session.
func NewStore(cfg StoreConfig) *Store {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		clientID:    cfg.ClientID,
		redirectURI: cfg.RedirectURI,
		httpClient:  client,
		storage:     cfg.Storage,
		logger:      logger,
	}
}

// SetEndpoints records the discovered token endpoint. Refresh is a no-op
// until this has been called.
func (s *Store) SetEndpoints(doc *DiscoveryDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenEndpoint = doc.TokenEndpoint
}

// TokenEndpointKnown reports whether discovery has completed.
func (s *Store) TokenEndpointKnown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokenEndpoint != ""
}

// OnSignOut registers a hook run whenever the session identity is cleared:
// sign-out, handoff failure, or refresh failure.
func (s *Store) OnSignOut(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInvalidate = append(s.onInvalidate, fn)
}

// Snapshot returns a copy of the current session.
func (s *Store) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// AccessToken returns the bearer credential while the session is
// authenticated, and "" otherwise. The token is only ever forwarded to the
// platform's own services and the identity provider, never to third parties.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.session.Authenticated() {
		return ""
	}
	return s.session.AccessToken
}

// Claims returns the decoded ID token claims, nil when signed out.
func (s *Store) Claims() *IDTokenClaims {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.IDTokenContents
}

// TokenHandoff exchanges an authorization code (with its PKCE verifier) for
// tokens and populates the session. On failure the whole session is cleared
// and the returned error carries the provider's error_description when
// present.
func (s *Store) TokenHandoff(ctx context.Context, code, verifier string) error {
	s.mu.RLock()
	endpoint := s.tokenEndpoint
	s.mu.RUnlock()
	if endpoint == "" {
		return errors.New("token endpoint not known")
	}

	s.apply(handoffStarted{})

	payload, err := exchangeAuthorizationCode(ctx, s.httpClient, endpoint, code, verifier, s.clientID, s.redirectURI)
	if err != nil {
		s.apply(handoffFailed{message: err.Error()})
		return err
	}

	claims, err := DecodeIDToken(payload.IDToken)
	if err != nil {
		s.apply(handoffFailed{message: err.Error()})
		return err
	}

	s.apply(handoffSucceeded{payload: payload, claims: claims, now: time.Now()})
	return nil
}

// AdoptTokens feeds an externally obtained token payload into the session,
// as if this store had performed the exchange itself. Used by the opener side
// of the popup sign-in flow.
func (s *Store) AdoptTokens(payload *TokenPayload) error {
	claims, err := DecodeIDToken(payload.IDToken)
	if err != nil {
		s.apply(handoffFailed{message: err.Error()})
		return err
	}
	s.apply(handoffSucceeded{payload: payload, claims: claims, now: time.Now()})
	return nil
}

// RefreshTokens trades the refresh token for a fresh token set. It is a
// guarded no-op unless no refresh is already in flight, a refresh token is
// present, and the token endpoint is known. The guard, not a lock around the
// network call, is what keeps two refreshes from racing.
func (s *Store) RefreshTokens(ctx context.Context) error {
	s.mu.Lock()
	if s.session.IsRefreshing || s.session.RefreshToken == "" || s.tokenEndpoint == "" {
		s.mu.Unlock()
		return nil
	}
	s.session.IsRefreshing = true
	s.session.Error = ""
	refreshToken := s.session.RefreshToken
	endpoint := s.tokenEndpoint
	s.mu.Unlock()

	payload, err := exchangeRefreshToken(ctx, s.httpClient, endpoint, refreshToken, s.clientID)
	if err != nil {
		s.apply(refreshFailed{message: err.Error()})
		return err
	}

	claims := s.Claims()
	if payload.IDToken != "" {
		claims, err = DecodeIDToken(payload.IDToken)
		if err != nil {
			s.apply(refreshFailed{message: err.Error()})
			return err
		}
	}

	s.apply(refreshSucceeded{payload: payload, claims: claims, now: time.Now()})
	return nil
}

// SignOut clears the durable "was signed in" flag and resets the session to
// its null form. Registered hooks (permission-cache wipe, relay teardown)
// run after the state change.
func (s *Store) SignOut() {
	if s.storage != nil {
		if err := s.storage.ClearFlag(KeyWasSignedIn); err != nil {
			s.logger.Warn("clear signed-in flag", "error", err)
		}
	}
	s.apply(signedOut{})
}

// MarkAttempted records that the first silent authentication check has
// resolved, so the UI can stop showing the initial spinner on re-checks.
func (s *Store) MarkAttempted() {
	s.apply(attemptFinished{})
}

// apply is the single reducer over the session. Hooks fire outside the lock.
func (s *Store) apply(ev event) {
	s.mu.Lock()
	invalidate := false
	switch ev := ev.(type) {
	case handoffStarted:
		s.session.IsHandingOff = true
		s.session.Error = ""
	case handoffSucceeded:
		s.setTokens(ev.payload, ev.claims, ev.now)
		s.session.IsHandingOff = false
		s.session.HasAttempted = true
	case handoffFailed:
		s.clearTokens()
		s.session.IsHandingOff = false
		s.session.HasAttempted = true
		s.session.Error = ev.message
		invalidate = true
	case refreshSucceeded:
		s.setTokens(ev.payload, ev.claims, ev.now)
		s.session.IsRefreshing = false
	case refreshFailed:
		s.clearTokens()
		s.session.IsRefreshing = false
		s.session.Error = ev.message
		invalidate = true
	case signedOut:
		s.clearTokens()
		s.session.IsHandingOff = false
		s.session.IsRefreshing = false
		s.session.Error = ""
		invalidate = true
	case attemptFinished:
		s.session.HasAttempted = true
	}
	hooks := s.onInvalidate
	s.mu.Unlock()

	if invalidate {
		for _, fn := range hooks {
			fn()
		}
	}
}

// setTokens applies a successful token response. A refresh response may omit
// the ID or refresh token, in which case the previous values are kept.
func (s *Store) setTokens(payload *TokenPayload, claims *IDTokenClaims, now time.Time) {
	if payload.IDToken != "" {
		s.session.IDToken = payload.IDToken
		s.session.IDTokenContents = claims
	}
	s.session.AccessToken = payload.AccessToken
	if payload.RefreshToken != "" {
		s.session.RefreshToken = payload.RefreshToken
	}
	s.session.SessionExpiry = float64(now.Unix() + payload.ExpiresIn)
	s.session.Error = ""
}

// clearTokens wipes every token field together, never a partial session.
func (s *Store) clearTokens() {
	s.session.IDToken = ""
	s.session.IDTokenContents = nil
	s.session.AccessToken = ""
	s.session.RefreshToken = ""
	s.session.SessionExpiry = 0
}
