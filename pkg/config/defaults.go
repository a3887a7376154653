package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/streamcache/pkg/cache"
	"github.com/marmos91/streamcache/pkg/connectivity"
)

// GetDefaultConfig returns a fully populated default configuration.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for any unspecified fields. Zero values
// are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyStorageDefaults(&cfg.Storage)
	applyCacheDefaults(&cfg.Cache)
	applyConnectivityDefaults(&cfg.Connectivity)

	// The journal lives under the storage dir unless placed explicitly.
	if cfg.Journal.Dir == "" {
		cfg.Journal.Dir = filepath.Join(cfg.Storage.Dir, "journal")
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Dir != "" {
		return
	}
	if cacheDir, err := os.UserCacheDir(); err == nil {
		cfg.Dir = filepath.Join(cacheDir, "streamcache")
		return
	}
	cfg.Dir = "streamcache-data"
}

func applyCacheDefaults(cfg *cache.Config) {
	def := cache.DefaultConfig()
	if cfg.FlushThreshold == 0 {
		cfg.FlushThreshold = def.FlushThreshold
	}
	if cfg.MaxReadChunk == 0 {
		cfg.MaxReadChunk = def.MaxReadChunk
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	// VerifySize, MinimumSize and ResourceTimeout keep their zero values:
	// a config file that omits verify_size opts out of verification.
}

func applyConnectivityDefaults(cfg *connectivity.Config) {
	def := connectivity.DefaultConfig()
	if cfg.Interval == 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ProbeAddress == "" {
		cfg.ProbeAddress = def.ProbeAddress
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
}
