package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeTestConfig(t, `
agent:
  listen_addr: "127.0.0.1:9000"
  public_url: "http://127.0.0.1:9000"
  state_path: "/tmp/sessiond-test"
idp:
  issuer: "https://idp.example.org"
  client_id: "portal"
services:
  authz_url: "https://authz.example.org"
  event_relay_url: "https://relay.example.org"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Agent.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("listen_addr = %q", cfg.Agent.ListenAddr)
	}
	if cfg.IdP.Issuer != "https://idp.example.org" {
		t.Fatalf("issuer = %q", cfg.IdP.Issuer)
	}
	if cfg.Agent.CallbackPath != "/callback" {
		t.Fatalf("callback_path default not applied: %q", cfg.Agent.CallbackPath)
	}
	if cfg.RedirectURI() != "http://127.0.0.1:9000/callback" {
		t.Fatalf("RedirectURI = %q", cfg.RedirectURI())
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeTestConfig(t, `
agent:
  public_url: "http://127.0.0.1:9000"
  no_such_field: true
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("unknown field must be rejected")
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeTestConfig(t, `
agent:
  public_url: "http://127.0.0.1:9000"
idp:
  issuer: "https://idp.example.org"
  client_id: "portal"
`)
	t.Setenv("SESSIOND_IDP_CLIENT_ID", "overridden")
	t.Setenv("SESSIOND_AGENT_CORS_ORIGINS", "http://a.test, http://b.test")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.IdP.ClientID != "overridden" {
		t.Fatalf("env override not applied: %q", cfg.IdP.ClientID)
	}
	if len(cfg.Agent.CORSOrigins) != 2 || cfg.Agent.CORSOrigins[1] != "http://b.test" {
		t.Fatalf("cors origins = %v", cfg.Agent.CORSOrigins)
	}
}

func TestValidateProductionRequirements(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agent.DevMode = false

	if err := cfg.Validate(); err == nil {
		t.Fatalf("production config without TLS domains must fail")
	}

	cfg.Agent.TLS.Domains = []string{"agent.example.org"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("production config without idp must fail")
	}

	cfg.IdP.Issuer = "https://idp.example.org"
	cfg.IdP.ClientID = "portal"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("complete production config rejected: %v", err)
	}
}

func TestValidateRejectsBadURLs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agent.PublicURL = "not-a-url"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("bad public_url must be rejected")
	}

	cfg = DefaultConfig()
	cfg.Services.AuthzURL = "authz.example.org"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("bad authz_url must be rejected")
	}

	cfg = DefaultConfig()
	cfg.Agent.CallbackPath = "callback"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("relative callback_path must be rejected")
	}
}
