package session

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// discoveryMaxAge bounds how long a cached discovery document is trusted.
// Endpoints move rarely; three hours keeps restarts cheap without going stale.
const discoveryMaxAge = 3 * time.Hour

// DiscoveryDocument is the subset of the identity provider's OpenID
// configuration the agent needs.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

type cachedDiscovery struct {
	Issuer    string            `json:"issuer"`
	FetchedAt time.Time         `json:"fetched_at"`
	Document  DiscoveryDocument `json:"document"`
}

// FetchDiscovery returns the identity provider's discovery document,
// consulting the durable cache first. The cached copy is reused for up to
// discoveryMaxAge; a fetch failure surfaces as a configuration error and is
// re-attempted on the next call (no retry loop).
func FetchDiscovery(ctx context.Context, storage *Storage, issuer string) (*DiscoveryDocument, error) {
	var cached cachedDiscovery
	if storage.GetJSON(KeyDiscovery, &cached) &&
		cached.Issuer == issuer &&
		time.Since(cached.FetchedAt) < discoveryMaxAge {
		doc := cached.Document
		return &doc, nil
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover identity provider: %w", err)
	}

	var doc DiscoveryDocument
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("parse discovery document: %w", err)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return nil, fmt.Errorf("discovery document for %s missing endpoints", issuer)
	}

	if err := storage.SaveJSON(KeyDiscovery, cachedDiscovery{
		Issuer:    issuer,
		FetchedAt: time.Now(),
		Document:  doc,
	}); err != nil {
		return nil, err
	}
	return &doc, nil
}
