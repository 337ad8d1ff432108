// Package config loads and validates the Brewhaven YAML file, watches it for
// edits and maps provider names to constructors.
package config

import (
	"log/slog"
	"time"
)

// LogLevel is the configured minimum log level.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Empty and unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Responder selects where agent replies come from once a message is sent.
type Responder string

const (
	// ResponderTransport relies on the agent service to push replies over the
	// live transport.
	ResponderTransport Responder = "transport"

	// ResponderSynthetic appends a templated acknowledgement locally after
	// ReplyDelay, without any agent involvement.
	ResponderSynthetic Responder = "synthetic"
)

// IsValid reports whether r is a recognised responder mode.
func (r Responder) IsValid() bool {
	return r == ResponderTransport || r == ResponderSynthetic
}

// Config mirrors the YAML file. Zero values select defaults throughout.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Session    SessionConfig    `yaml:"session"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

type ServerConfig struct {
	// ListenAddr defaults to ":8080".
	ListenAddr string   `yaml:"listen_addr"`
	LogLevel   LogLevel `yaml:"log_level"`

	// AllowedOrigins may call the API and subscribe to events from a
	// browser. Empty allows same-origin requests only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS switches the listener to HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig names PEM files.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig picks the [Registry] entry behind each external service.
type ProvidersConfig struct {
	// Credential issues the short-lived token consulted before every connect.
	Credential ProviderEntry `yaml:"credential"`
	// Transport carries the realtime channel to the agent.
	Transport ProviderEntry `yaml:"transport"`
}

// ProviderEntry is passed unchanged to the factory registered under Name.
type ProviderEntry struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// Model selects the remote agent model for transports that offer several.
	Model string `yaml:"model"`

	// Options carries provider specific settings, for example the
	// credential "timeout".
	Options map[string]any `yaml:"options"`
}

// SessionConfig tunes the session controller and reply generation.
type SessionConfig struct {
	// ConnectTimeout bounds a whole connection attempt, credential fetch
	// included. Zero selects the controller default.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// AgentName is the display name attached to agent-originated entries.
	AgentName string `yaml:"agent_name"`

	// Responder selects the reply source. Defaults to [ResponderTransport].
	Responder Responder `yaml:"responder"`

	// ReplyDelay is the pause before a synthetic reply is appended.
	ReplyDelay time.Duration `yaml:"reply_delay"`

	// ReplyTemplate is the synthetic reply text. The placeholder {message}
	// is replaced by the sent message.
	ReplyTemplate string `yaml:"reply_template"`
}

// ResilienceConfig groups fault-tolerance settings.
type ResilienceConfig struct {
	CredentialBreaker BreakerConfig `yaml:"credential_breaker"`
}

// BreakerConfig configures a circuit breaker. Zero values select the
// breaker defaults.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}
