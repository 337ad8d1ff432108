package app

import (
	"fmt"
	"time"

	"github.com/MrWong99/brewhaven/internal/config"
	"github.com/MrWong99/brewhaven/pkg/credential"
	"github.com/MrWong99/brewhaven/pkg/transport"
	"github.com/MrWong99/brewhaven/pkg/transport/websocket"
)

// Providers holds the external dependencies of the session controller.
// Populated from the config registry by [BuildProviders], or directly by
// tests.
type Providers struct {
	Fetcher      credential.Fetcher
	NewTransport transport.Factory
}

// RegisterBuiltinProviders wires the provider implementations that ship with
// Brewhaven into reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	reg.RegisterCredential("http", func(entry config.ProviderEntry) (credential.Fetcher, error) {
		var opts []credential.Option
		if entry.APIKey != "" {
			opts = append(opts, credential.WithAPIKey(entry.APIKey))
		}
		timeout, err := optDuration(entry.Options, "timeout")
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			opts = append(opts, credential.WithTimeout(timeout))
		}
		return credential.NewHTTPFetcher(entry.BaseURL, opts...)
	})

	reg.RegisterTransport("websocket", func(entry config.ProviderEntry) (transport.Factory, error) {
		if entry.BaseURL == "" {
			return nil, fmt.Errorf("websocket transport: base_url is required")
		}
		var opts []websocket.Option
		if entry.APIKey != "" {
			opts = append(opts, websocket.WithAPIKey(entry.APIKey))
		}
		if entry.Model != "" {
			opts = append(opts, websocket.WithModel(entry.Model))
		}
		return websocket.NewFactory(entry.BaseURL, opts...), nil
	})
}

// BuildProviders instantiates the configured providers from reg.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	fetcher, err := reg.CreateCredential(cfg.Providers.Credential)
	if err != nil {
		return nil, fmt.Errorf("credential provider: %w", err)
	}
	factory, err := reg.CreateTransport(cfg.Providers.Transport)
	if err != nil {
		return nil, fmt.Errorf("transport provider: %w", err)
	}
	return &Providers{Fetcher: fetcher, NewTransport: factory}, nil
}

// optDuration reads a duration from a provider Options map. Strings are
// parsed with [time.ParseDuration]; plain numbers are seconds. A missing key
// yields zero.
func optDuration(opts map[string]any, key string) (time.Duration, error) {
	v, ok := opts[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch x := v.(type) {
	case string:
		d, err := time.ParseDuration(x)
		if err != nil {
			return 0, fmt.Errorf("options.%s: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(x) * time.Second, nil
	case float64:
		return time.Duration(x * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("options.%s: unsupported type %T", key, v)
	}
}
