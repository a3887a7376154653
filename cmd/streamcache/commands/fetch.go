package commands

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/streamcache/internal/bytesize"
	"github.com/marmos91/streamcache/internal/logger"
	"github.com/marmos91/streamcache/internal/telemetry"
	"github.com/marmos91/streamcache/pkg/api"
	"github.com/marmos91/streamcache/pkg/cache"
	"github.com/marmos91/streamcache/pkg/config"
	"github.com/marmos91/streamcache/pkg/connectivity"
	"github.com/marmos91/streamcache/pkg/journal"
	"github.com/marmos91/streamcache/pkg/metrics"
	prommetrics "github.com/marmos91/streamcache/pkg/metrics/prometheus"
)

var (
	fetchOutput string
	fetchQuiet  bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Download a URL into the cache",
	Long: `Download a URL into the local cache, resuming any partial file left
by an earlier run.

The download survives connectivity loss: when the network drops the transfer
suspends, and when it comes back the transfer resumes from the bytes already
on disk with a ranged request. Press Ctrl+C to stop; the partial file and its
journal entry are kept so the next fetch picks up where this one left off.

Examples:
  # Download into the configured storage directory
  streamcache fetch https://example.com/album/track.flac

  # Download to an explicit path
  streamcache fetch https://example.com/album/track.flac --output /tmp/track.flac

  # Quiet mode (no progress line)
  streamcache fetch https://example.com/album/track.flac --quiet`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchOutput, "output", "o", "", "Target file path (default: <storage.dir>/<url basename>)")
	fetchCmd.Flags().BoolVarP(&fetchQuiet, "quiet", "q", false, "Suppress the progress line")
}

func runFetch(cmd *cobra.Command, args []string) error {
	resourceURL := args[0]

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "streamcache",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "streamcache",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	// Initialize metrics (if enabled)
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}
	cacheMetrics := prommetrics.NewCacheMetrics()

	if err := os.MkdirAll(cfg.Storage.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	j, err := journal.Open(cfg.Journal.Dir)
	if err != nil {
		return fmt.Errorf("failed to open session journal: %w", err)
	}
	defer func() {
		if err := j.Close(); err != nil {
			logger.Error("journal close error", "error", err)
		}
	}()

	monitor := connectivity.NewMonitor(cfg.Connectivity)
	monitor.Start(ctx)
	defer monitor.Stop()

	targetPath := fetchOutput
	if targetPath == "" {
		targetPath = filepath.Join(cfg.Storage.Dir, targetFileName(resourceURL))
	}

	engine, err := cache.New(cfg.Cache, cache.Options{
		URL:     resourceURL,
		Path:    targetPath,
		Monitor: monitor,
		Journal: j,
		Metrics: cacheMetrics,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("engine close error", "error", err)
		}
	}()

	// Observability API server (status, sessions, metrics)
	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg.API, engine, j)
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("API server error", "error", err)
			}
		}()
		logger.Info("API server configured", "port", cfg.API.Port)
	}

	if err := engine.Start(ctx); err != nil {
		return err
	}
	logger.Info("Download started", "url", resourceURL, "path", targetPath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-sigChan:
			cancel()
			fmt.Fprintln(os.Stderr)
			logger.Info("Interrupted, keeping partial file", "path", targetPath)
			return nil

		case ev := <-engine.Events():
			switch ev.Kind {
			case cache.EventProgress:
				if !fetchQuiet {
					printProgress(ev.Downloaded, ev.Expected)
				}
			case cache.EventCompleted:
				if !fetchQuiet {
					fmt.Fprintln(os.Stderr)
				}
				logger.Info("Download completed", "path", ev.Path, "bytes", ev.Downloaded)
				fmt.Println(ev.Path)
				return nil
			case cache.EventFailed:
				if !fetchQuiet {
					fmt.Fprintln(os.Stderr)
				}
				return fmt.Errorf("download failed: %w", ev.Err)
			}
		}
	}
}

// printProgress renders a single-line progress indicator on stderr.
func printProgress(downloaded, expected int64) {
	if expected > 0 {
		percent := float64(downloaded) / float64(expected) * 100
		fmt.Fprintf(os.Stderr, "\rDownloading... %5.1f%% (%s / %s)",
			percent, bytesize.ByteSize(downloaded), bytesize.ByteSize(expected))
		return
	}
	fmt.Fprintf(os.Stderr, "\rDownloading... %s", bytesize.ByteSize(downloaded))
}

// targetFileName derives a cache file name from the URL path, falling back
// to a digest of the full URL when the path has no usable basename.
func targetFileName(resourceURL string) string {
	if u, err := url.Parse(resourceURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return base
		}
	}
	sum := sha256.Sum256([]byte(resourceURL))
	return hex.EncodeToString(sum[:8])
}
