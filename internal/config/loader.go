package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known embeddings provider names. [Validate] warns
// about unrecognised names rather than rejecting them, so third-party
// registrations still load.
var ValidProviderNames = []string{"openai", "ollama", "mock"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
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
	expandSecrets(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandSecrets applies ${ENV_VAR} expansion to the fields that typically
// carry credentials, so secrets never need to live in the config file.
func expandSecrets(cfg *Config) {
	cfg.Database.PostgresDSN = os.ExpandEnv(cfg.Database.PostgresDSN)
	cfg.Blob.S3.AccessKey = os.ExpandEnv(cfg.Blob.S3.AccessKey)
	cfg.Blob.S3.SecretKey = os.ExpandEnv(cfg.Blob.S3.SecretKey)
	cfg.Embeddings.APIKey = os.ExpandEnv(cfg.Embeddings.APIKey)
	cfg.Auth.JWTSecret = os.ExpandEnv(cfg.Auth.JWTSecret)
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
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes %d must not be negative", cfg.Server.MaxUploadBytes))
	}

	// Database
	if cfg.Database.PostgresDSN == "" {
		errs = append(errs, errors.New("database.postgres_dsn is required"))
	}

	// Blob backend
	switch cfg.Blob.Backend {
	case "", BlobFS:
		if cfg.Blob.FS.Dir == "" {
			errs = append(errs, errors.New("blob.fs.dir is required for the fs backend"))
		}
	case BlobS3:
		if cfg.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for the s3 backend"))
		}
		if cfg.Blob.S3.Region == "" && cfg.Blob.S3.Endpoint == "" {
			errs = append(errs, errors.New("blob.s3 requires a region or an explicit endpoint"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.backend %q is invalid; valid values: fs, s3", cfg.Blob.Backend))
	}

	// Embeddings provider
	if cfg.Embeddings.Name == "" {
		errs = append(errs, errors.New("embeddings.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Embeddings.Name) {
		slog.Warn("unknown embeddings provider name — may be a typo or third-party provider",
			"name", cfg.Embeddings.Name,
			"known", ValidProviderNames,
		)
	}
	if cfg.Embeddings.Dimensions < 0 {
		errs = append(errs, fmt.Errorf("embeddings.dimensions %d must not be negative", cfg.Embeddings.Dimensions))
	}

	// Ingest tuning
	if cfg.Ingest.Workers < 0 {
		errs = append(errs, fmt.Errorf("ingest.workers %d must not be negative", cfg.Ingest.Workers))
	}
	if cfg.Ingest.FailureThreshold < 0 || cfg.Ingest.FailureThreshold > 1 {
		errs = append(errs, fmt.Errorf("ingest.failure_threshold %.2f is out of range [0, 1]", cfg.Ingest.FailureThreshold))
	}
	if cfg.Ingest.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("ingest.max_attempts %d must not be negative", cfg.Ingest.MaxAttempts))
	}

	// Auth
	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required when auth.enabled is true"))
	}
	if !cfg.Auth.Enabled {
		slog.Warn("auth is disabled; every request is anonymous")
	}

	return errors.Join(errs...)
}
