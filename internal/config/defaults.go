package config

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Model.Pooling == "" {
		cfg.Model.Pooling = "mean"
	}
	if cfg.Model.BatchSize == 0 {
		cfg.Model.BatchSize = 32
	}
	if cfg.Model.CacheSize == 0 {
		cfg.Model.CacheSize = 1024
	}
	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = "auto"
	}
}
