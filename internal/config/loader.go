package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// KnownProviders lists the built-in provider names per kind. Other names are
// accepted with a warning so third-party registrations keep working.
var KnownProviders = map[string][]string{
	"credential": {"http"},
	"transport":  {"websocket"},
}

// Load opens path and hands it to [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references, decodes the YAML strictly and
// validates it. Unknown keys are errors. An empty document yields a zero
// [Config].
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid value in cfg as one joined error.
// Suspicious but usable combinations are logged instead.
func Validate(cfg *Config) error {
	var errs []error
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateProviders(&cfg.Providers)...)
	errs = append(errs, validateSession(&cfg.Session)...)
	errs = append(errs, validateBreaker("resilience.credential_breaker", cfg.Resilience.CredentialBreaker)...)
	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error
	if s.LogLevel != "" && !s.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level: %q is not one of debug, info, warn, error", s.LogLevel))
	}
	for i, origin := range s.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			errs = append(errs, fmt.Errorf("server.allowed_origins[%d]: empty origin", i))
		}
	}
	if s.TLS != nil && (s.TLS.CertFile == "" || s.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls: cert_file and key_file are both required"))
	}
	return errs
}

func validateProviders(p *ProvidersConfig) []error {
	var errs []error
	for kind, entry := range map[string]ProviderEntry{
		"credential": p.Credential,
		"transport":  p.Transport,
	} {
		if entry.Name == "" {
			continue
		}
		warnUnknownProvider(kind, entry.Name)
		if entry.BaseURL == "" {
			errs = append(errs, fmt.Errorf("providers.%s.base_url: required for provider %q", kind, entry.Name))
		}
	}
	// Map iteration order is random; keep messages stable.
	slices.SortFunc(errs, func(a, b error) int { return strings.Compare(a.Error(), b.Error()) })

	if (p.Credential.Name == "") != (p.Transport.Name == "") {
		slog.Warn("only one of providers.credential and providers.transport is set; sessions cannot start")
	}
	return errs
}

func validateSession(s *SessionConfig) []error {
	var errs []error
	if s.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout: %s is negative", s.ConnectTimeout))
	}
	if s.ReplyDelay < 0 {
		errs = append(errs, fmt.Errorf("session.reply_delay: %s is negative", s.ReplyDelay))
	}
	if s.Responder != "" && !s.Responder.IsValid() {
		errs = append(errs, fmt.Errorf("session.responder: %q is not one of transport, synthetic", s.Responder))
	}

	if s.Responder != ResponderSynthetic && (s.ReplyDelay != 0 || s.ReplyTemplate != "") {
		slog.Warn("session.reply_delay and session.reply_template are ignored without the synthetic responder")
	}
	if s.ReplyTemplate != "" && !strings.Contains(s.ReplyTemplate, "{message}") {
		slog.Warn("session.reply_template has no {message} placeholder; replies will not echo the order")
	}
	return errs
}

func validateBreaker(key string, b BreakerConfig) []error {
	var errs []error
	if b.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("%s.max_failures: %d is negative", key, b.MaxFailures))
	}
	if b.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s.reset_timeout: %s is negative", key, b.ResetTimeout))
	}
	return errs
}

func warnUnknownProvider(kind, name string) {
	known := KnownProviders[kind]
	if known == nil || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
