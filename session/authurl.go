package session

import (
	"strings"

	"golang.org/x/oauth2"
)

// DefaultScope is requested when the config does not name one.
const DefaultScope = "openid email"

// AuthConfig identifies this agent to the identity provider.
type AuthConfig struct {
	ClientID    string
	RedirectURI string
	Scope       string
}

// CreateAuthURL builds the authorization-code + PKCE request URL and persists
// the state, verifier, and post-auth return path to storage under the
// well-known keys. No network call is made. Calling this twice overwrites the
// stored state/verifier, invalidating any sign-in the first call started.
func CreateAuthURL(authorizationEndpoint string, cfg AuthConfig, storage *Storage, returnPath string) (string, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return "", err
	}

	if err := storage.Save(KeyAuthState, pkce.State); err != nil {
		return "", err
	}
	if err := storage.Save(KeyAuthVerifier, pkce.Verifier); err != nil {
		return "", err
	}
	if err := storage.Save(KeyPostAuthPath, returnPath); err != nil {
		return "", err
	}

	scope := cfg.Scope
	if scope == "" {
		scope = DefaultScope
	}

	oc := oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: cfg.RedirectURI,
		Scopes:      strings.Fields(scope),
		Endpoint:    oauth2.Endpoint{AuthURL: authorizationEndpoint},
	}

	return oc.AuthCodeURL(pkce.State,
		oauth2.SetAuthURLParam("code_challenge", ChallengeFromVerifier(pkce.Verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	), nil
}
