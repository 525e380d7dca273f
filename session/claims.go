package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IDTokenClaims is the read-only projection of a decoded ID token. The token
// is decoded, not verified: the agent received it over TLS directly from the
// token endpoint, so signature verification is the resource servers' concern.
type IDTokenClaims struct {
	Subject           string
	Issuer            string
	Expiry            time.Time
	IssuedAt          time.Time
	PreferredUsername string
	Email             string
	Raw               map[string]any
}

// DecodeIDToken extracts claims from a raw JWT without verifying its
// signature.
func DecodeIDToken(raw string) (*IDTokenClaims, error) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, mc); err != nil {
		return nil, fmt.Errorf("decode id token: %w", err)
	}
	return claimsFromMap(mc), nil
}

// ValidAt reports whether the claims are unexpired at the given instant.
func (c *IDTokenClaims) ValidAt(now time.Time) bool {
	if c == nil {
		return false
	}
	return now.Before(c.Expiry)
}

// IsAuthenticated is the authentication predicate: non-nil claims whose
// expiry is still in the future. Recomputed on every call so a token that
// expires while the agent is idle flips the answer immediately.
func IsAuthenticated(c *IDTokenClaims) bool {
	return c.ValidAt(time.Now())
}

func claimsFromMap(mc jwt.MapClaims) *IDTokenClaims {
	out := &IDTokenClaims{Raw: map[string]any(mc)}
	if sub, ok := mc["sub"].(string); ok {
		out.Subject = sub
	}
	if iss, ok := mc["iss"].(string); ok {
		out.Issuer = iss
	}
	if name, ok := mc["preferred_username"].(string); ok {
		out.PreferredUsername = name
	}
	if email, ok := mc["email"].(string); ok {
		out.Email = email
	}
	out.Expiry = parseUnix(mc["exp"])
	out.IssuedAt = parseUnix(mc["iat"])
	return out
}

func parseUnix(val any) time.Time {
	switch v := val.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case int64:
		return time.Unix(v, 0)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.Unix(n, 0)
		}
	}
	return time.Time{}
}
