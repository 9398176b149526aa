package config

// ConfigDiff describes what changed between two configs. Only fields that can
// be applied without a restart are tracked individually; everything else
// folds into RequiresRestart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// IngestTuningChanged is true when retry, batching, or truncation tuning
	// changed. New jobs pick the new values up; running jobs finish under the
	// old ones.
	IngestTuningChanged bool

	// RequiresRestart is true when a change touches wiring that is fixed at
	// startup: listen address, TLS, database, blob backend, embeddings
	// provider, worker count, or auth.
	RequiresRestart bool
}

// Changed reports whether the diff carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.IngestTuningChanged || d.RequiresRestart
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if ingestTuning(old.Ingest) != ingestTuning(new.Ingest) {
		d.IngestTuningChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!tlsEqual(old.Server.TLS, new.Server.TLS) ||
		old.Server.MaxUploadBytes != new.Server.MaxUploadBytes ||
		old.Database != new.Database ||
		old.Blob != new.Blob ||
		old.Embeddings.Name != new.Embeddings.Name ||
		old.Embeddings.APIKey != new.Embeddings.APIKey ||
		old.Embeddings.BaseURL != new.Embeddings.BaseURL ||
		old.Embeddings.Model != new.Embeddings.Model ||
		old.Embeddings.Dimensions != new.Embeddings.Dimensions ||
		old.Embeddings.Limits != new.Embeddings.Limits ||
		old.Ingest.Workers != new.Ingest.Workers ||
		old.Auth != new.Auth {
		d.RequiresRestart = true
	}

	return d
}

// ingestTuning projects the hot-reloadable subset of IngestConfig into a
// comparable value.
func ingestTuning(c IngestConfig) IngestConfig {
	c.Workers = 0 // fixed at startup
	return c
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
