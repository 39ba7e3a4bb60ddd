package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: log level takes
// effect immediately, translation tuning applies to pipelines created after
// the change.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TranslationChanged bool
	NewTranslation     TranslationConfig

	CacheChanged bool
	NewCache     CacheConfig
}

// Empty reports whether the diff carries no hot-applicable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TranslationChanged && !d.CacheChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; transport,
// provider, and store changes require a restart and are ignored here.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Translation != new.Translation {
		d.TranslationChanged = true
		d.NewTranslation = new.Translation
	}

	if old.Cache != new.Cache {
		d.CacheChanged = true
		d.NewCache = new.Cache
	}

	return d
}
