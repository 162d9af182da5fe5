package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Providers
	if cfg.Providers.Deepgram.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("providers.deepgram.sample_rate %d is negative", cfg.Providers.Deepgram.SampleRate))
	}
	if q := cfg.Providers.HeyGen.Quality; q != "" && !q.IsValid() {
		errs = append(errs, fmt.Errorf("providers.heygen.quality %q is invalid; valid values: high, medium, low", q))
	}

	// Missing credentials degrade features rather than break startup, so
	// they warn instead of erroring.
	if cfg.Providers.Deepgram.APIKey == "" {
		slog.Warn("providers.deepgram.api_key is empty; the deepgram-token endpoint will refuse requests")
	}
	if cfg.Providers.HeyGen.APIKey == "" {
		slog.Warn("providers.heygen.api_key is empty; avatar sessions cannot be started")
	}
	if cfg.Providers.OpenAI.APIKey == "" {
		slog.Warn("providers.openai.api_key is empty; assistant turns will fail")
	}
	if cfg.CRM.PostgresDSN == "" {
		slog.Warn("crm.postgres_dsn is empty; property search and lead capture will be unavailable")
	}

	return errors.Join(errs...)
}
