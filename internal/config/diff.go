package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ConnectTimeoutChanged bool
	NewConnectTimeout     time.Duration

	ReplyDelayChanged bool
	NewReplyDelay     time.Duration

	ReplyTemplateChanged bool
	NewReplyTemplate     string

	// RestartRequired lists settings that changed but only take effect after
	// a restart (listen address, providers, responder mode, breaker).
	RestartRequired []string
}

// Changed reports whether any hot-reloadable setting differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ConnectTimeoutChanged || d.ReplyDelayChanged || d.ReplyTemplateChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Session.ConnectTimeout != new.Session.ConnectTimeout {
		d.ConnectTimeoutChanged = true
		d.NewConnectTimeout = new.Session.ConnectTimeout
	}
	if old.Session.ReplyDelay != new.Session.ReplyDelay {
		d.ReplyDelayChanged = true
		d.NewReplyDelay = new.Session.ReplyDelay
	}
	if old.Session.ReplyTemplate != new.Session.ReplyTemplate {
		d.ReplyTemplateChanged = true
		d.NewReplyTemplate = new.Session.ReplyTemplate
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !equalTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.allowed_origins")
	}
	if !equalProvider(old.Providers.Credential, new.Providers.Credential) {
		d.RestartRequired = append(d.RestartRequired, "providers.credential")
	}
	if !equalProvider(old.Providers.Transport, new.Providers.Transport) {
		d.RestartRequired = append(d.RestartRequired, "providers.transport")
	}
	if old.Session.Responder != new.Session.Responder {
		d.RestartRequired = append(d.RestartRequired, "session.responder")
	}
	if old.Session.AgentName != new.Session.AgentName {
		d.RestartRequired = append(d.RestartRequired, "session.agent_name")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}

	return d
}

// equalProvider compares the scalar fields of two entries. Options are not
// compared.
func equalProvider(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
