package config_test

import (
	"testing"

	"github.com/vectory-io/vectory/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	d := config.Diff(cfg, cfg)
	if d.Changed() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := validConfig()
	updated := validConfig()
	updated.Server.LogLevel = config.LogDebug

	d := config.Diff(old, updated)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.RequiresRestart {
		t.Error("a log level change must not require a restart")
	}
}

func TestDiff_IngestTuningChanged(t *testing.T) {
	t.Parallel()
	old := validConfig()
	updated := validConfig()
	updated.Ingest.MaxAttempts = 6
	updated.Ingest.TruncateOversize = true

	d := config.Diff(old, updated)
	if !d.IngestTuningChanged {
		t.Error("expected IngestTuningChanged=true")
	}
	if d.RequiresRestart {
		t.Error("retry tuning must not require a restart")
	}
}

func TestDiff_RequiresRestart(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9090" }},
		{"database dsn", func(c *config.Config) { c.Database.PostgresDSN = "postgres://other/db" }},
		{"blob backend", func(c *config.Config) {
			c.Blob = config.BlobConfig{Backend: config.BlobS3, S3: config.S3BlobConfig{Bucket: "b", Region: "r"}}
		}},
		{"embeddings model", func(c *config.Config) { c.Embeddings.Model = "text-embedding-3-large" }},
		{"worker count", func(c *config.Config) { c.Ingest.Workers = 16 }},
		{"auth secret", func(c *config.Config) { c.Auth.JWTSecret = "rotated" }},
		{"tls added", func(c *config.Config) {
			c.Server.TLS = &config.TLSConfig{CertFile: "c.pem", KeyFile: "k.pem"}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old := validConfig()
			updated := validConfig()
			tc.mutate(updated)
			d := config.Diff(old, updated)
			if !d.RequiresRestart {
				t.Errorf("expected RequiresRestart=true for %s change", tc.name)
			}
		})
	}
}
