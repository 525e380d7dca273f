package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// TokenPayload is the token endpoint's success response.
type TokenPayload struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
}

// TokenError carries the identity provider's structured error response. The
// message prefers the provider's error_description over a generic fallback.
type TokenError struct {
	Status      int
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *TokenError) Error() string {
	switch {
	case e.Description != "" && e.Code != "":
		return fmt.Sprintf("%s (%s)", e.Description, e.Code)
	case e.Code != "":
		return e.Code
	default:
		return fmt.Sprintf("token endpoint returned status %d", e.Status)
	}
}

// postTokenEndpoint issues a form-encoded POST and decodes the response. A
// non-2xx status yields a *TokenError.
func postTokenEndpoint(ctx context.Context, client *http.Client, endpoint string, form url.Values) (*TokenPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		tokenErr := &TokenError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, tokenErr)
		return nil, tokenErr
	}

	var payload TokenPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	return &payload, nil
}

// exchangeAuthorizationCode redeems an authorization code with its PKCE
// verifier.
func exchangeAuthorizationCode(ctx context.Context, client *http.Client, endpoint, code, verifier, clientID, redirectURI string) (*TokenPayload, error) {
	return postTokenEndpoint(ctx, client, endpoint, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	})
}

// exchangeRefreshToken trades a refresh token for a fresh token set.
func exchangeRefreshToken(ctx context.Context, client *http.Client, endpoint, refreshToken, clientID string) (*TokenPayload, error) {
	return postTokenEndpoint(ctx, client, endpoint, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	})
}
