package agent

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
)

// Config captures the full agent configuration loaded from YAML and
// environment variables.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	IdP      IdPConfig      `yaml:"idp"`
	Services ServicesConfig `yaml:"services"`
}

// AgentConfig controls listener, storage, and HTTP concerns.
type AgentConfig struct {
	ListenAddr         string    `yaml:"listen_addr"`
	PublicURL          string    `yaml:"public_url"`
	DevMode            bool      `yaml:"dev_mode"`
	StatePath          string    `yaml:"state_path"`
	CallbackPath       string    `yaml:"callback_path"`
	DefaultLandingPath string    `yaml:"default_landing_path"`
	CORSOrigins        []string  `yaml:"cors_origins"`
	TLS                TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour for production listeners.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// IdPConfig names the identity provider and this agent's client registration.
type IdPConfig struct {
	Issuer   string `yaml:"issuer"`
	ClientID string `yaml:"client_id"`
	Scope    string `yaml:"scope"`
}

// ServicesConfig points at the platform services the agent talks to.
type ServicesConfig struct {
	AuthzURL        string `yaml:"authz_url"`
	NotificationURL string `yaml:"notification_url"`
	EventRelayURL   string `yaml:"event_relay_url"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Agent: AgentConfig{
			ListenAddr:         "127.0.0.1:8089",
			PublicURL:          "http://127.0.0.1:8089",
			DevMode:            true,
			StatePath:          ".sessiond",
			CallbackPath:       "/callback",
			DefaultLandingPath: "/overview",
			TLS: TLSConfig{
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		IdP: IdPConfig{
			Scope: "openid email",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"SESSIOND_AGENT_LISTEN_ADDR":      func(v string) { cfg.Agent.ListenAddr = v },
		"SESSIOND_AGENT_PUBLIC_URL":       func(v string) { cfg.Agent.PublicURL = v },
		"SESSIOND_AGENT_DEV_MODE":         func(v string) { cfg.Agent.DevMode = parseBool(v, cfg.Agent.DevMode) },
		"SESSIOND_AGENT_STATE_PATH":       func(v string) { cfg.Agent.StatePath = v },
		"SESSIOND_AGENT_CORS_ORIGINS":     func(v string) { cfg.Agent.CORSOrigins = splitAndTrim(v) },
		"SESSIOND_AGENT_TLS_DOMAINS":      func(v string) { cfg.Agent.TLS.Domains = splitAndTrim(v) },
		"SESSIOND_AGENT_TLS_EMAIL":        func(v string) { cfg.Agent.TLS.Email = v },
		"SESSIOND_IDP_ISSUER":             func(v string) { cfg.IdP.Issuer = v },
		"SESSIOND_IDP_CLIENT_ID":          func(v string) { cfg.IdP.ClientID = v },
		"SESSIOND_IDP_SCOPE":              func(v string) { cfg.IdP.Scope = v },
		"SESSIOND_SERVICES_AUTHZ_URL":     func(v string) { cfg.Services.AuthzURL = v },
		"SESSIOND_SERVICES_NOTIFY_URL":    func(v string) { cfg.Services.NotificationURL = v },
		"SESSIOND_SERVICES_RELAY_URL":     func(v string) { cfg.Services.EventRelayURL = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Agent.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "agent.public_url")
		return errors.New("agent.public_url is required")
	}
	if !strings.HasPrefix(c.Agent.PublicURL, "http://") && !strings.HasPrefix(c.Agent.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "agent.public_url", "value", c.Agent.PublicURL)
		return fmt.Errorf("agent.public_url must start with http:// or https://, got: %s", c.Agent.PublicURL)
	}
	if c.Agent.StatePath == "" {
		return errors.New("agent.state_path is required")
	}
	if !strings.HasPrefix(c.Agent.CallbackPath, "/") {
		return fmt.Errorf("agent.callback_path must start with /, got: %s", c.Agent.CallbackPath)
	}
	if !strings.HasPrefix(c.Agent.DefaultLandingPath, "/") {
		return fmt.Errorf("agent.default_landing_path must start with /, got: %s", c.Agent.DefaultLandingPath)
	}

	if c.Agent.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Agent.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "agent.tls.min_version", "value", c.Agent.TLS.MinVersion)
			return fmt.Errorf("agent.tls.min_version must be '1.2' or '1.3', got: %s", c.Agent.TLS.MinVersion)
		}
	}
	if !c.Agent.DevMode && len(c.Agent.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "agent.tls.domains")
		return errors.New("agent.tls.domains must be provided in production")
	}

	// In dev mode the embedded identity provider fills these in.
	if !c.Agent.DevMode {
		if c.IdP.Issuer == "" {
			slog.Error("Missing required configuration", "field", "idp.issuer")
			return errors.New("idp.issuer is required in production mode")
		}
		if c.IdP.ClientID == "" {
			slog.Error("Missing required configuration", "field", "idp.client_id")
			return errors.New("idp.client_id is required in production mode")
		}
	}
	if c.IdP.Issuer != "" &&
		!strings.HasPrefix(c.IdP.Issuer, "http://") && !strings.HasPrefix(c.IdP.Issuer, "https://") {
		return fmt.Errorf("idp.issuer must start with http:// or https://, got: %s", c.IdP.Issuer)
	}

	for _, svc := range []struct{ field, value string }{
		{"services.authz_url", c.Services.AuthzURL},
		{"services.notification_url", c.Services.NotificationURL},
		{"services.event_relay_url", c.Services.EventRelayURL},
	} {
		if svc.value == "" {
			continue
		}
		if !strings.HasPrefix(svc.value, "http://") && !strings.HasPrefix(svc.value, "https://") {
			slog.Error("Invalid service URL", "field", svc.field, "value", svc.value)
			return fmt.Errorf("%s must start with http:// or https://, got: %s", svc.field, svc.value)
		}
	}

	return nil
}

// RedirectURI is the full OAuth redirect target registered with the identity
// provider.
func (c Config) RedirectURI() string {
	return strings.TrimSuffix(c.Agent.PublicURL, "/") + c.Agent.CallbackPath
}
