// Package main is the akidb-embed CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v2"
	"go.uber.org/zap"

	"github.com/akidb/akidb-embed/internal/cache"
	"github.com/akidb/akidb-embed/internal/cli"
	"github.com/akidb/akidb-embed/internal/config"
	"github.com/akidb/akidb-embed/internal/engine"
	"github.com/akidb/akidb-embed/internal/metrics"
	"github.com/akidb/akidb-embed/internal/registry"
	"github.com/akidb/akidb-embed/internal/server"
	"github.com/akidb/akidb-embed/internal/session"
	"github.com/akidb/akidb-embed/internal/watcher"
	"github.com/akidb/akidb-embed/pkg/utils"
)

var version = "dev"

// loadConfig loads config from path when the -config flag was given,
// otherwise walks the default search chain (AKIDB_CONFIG, the working
// directory, then the user config directory).
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadDefault()
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "serve":
		runServe()
	case "models":
		runModels()
	case "download":
		runDownload()
	case "cache":
		runCache()
	case "version", "--version", "-v":
		fmt.Printf("akidb-embed version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (request traces, backend selection, etc.)")
	_ = fs.Parse(os.Args[2:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	pooling, err := engine.ParseStrategy(poolingOrDefault(cfg.Model.Pooling))
	if err != nil {
		logger.Fatal("Invalid config", zap.Error(err))
	}
	backend, err := engine.ParseKind(cfg.Backend.Kind)
	if err != nil {
		logger.Fatal("Invalid config", zap.Error(err))
	}
	root, err := cache.ResolveRoot(cfg.CacheDir)
	if err != nil {
		logger.Fatal("Failed to prepare cache root", zap.Error(err))
	}

	logger.Info("config loaded",
		zap.Bool("debug", debugMode),
		zap.String("cache_root", root),
		zap.String("backend", string(backend)),
	)

	mgr := cache.NewManager(root, cache.NewHubFetcher(), logger)
	metrics.RegisterCachedModels(mgr)

	sessions := session.NewRegistry(mgr, session.Config{
		AutoDownload: cfg.Model.AutoDownloadOrDefault(),
		Engine: engine.Config{
			Pooling:   pooling,
			MaxTokens: cfg.Model.MaxTokens,
			CacheSize: cfg.Model.CacheSize,
			Backends: engine.Options{
				Backend:        backend,
				ORTLibraryPath: cfg.Backend.ORTLibraryPath,
				IntraOpThreads: cfg.Backend.IntraOpThreads,
			},
		},
	}, logger)
	defer sessions.CloseAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Model.Name != "" {
		if _, _, err := sessions.Load(ctx, cfg.Model.Name, ""); err != nil {
			logger.Warn("preload failed", zap.String("model", cfg.Model.Name), zap.Error(err))
		}
	}

	var metricsSrv *metrics.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = metrics.NewServer(sessions, mgr, logger)
		go func() {
			if err := metricsSrv.Start(cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	if cfg.WatchCache {
		w := watcher.New(root,
			func(name string) {
				logger.Info("model appeared in cache", zap.String("model", name))
			},
			func(name string) {
				logger.Info("model removed from cache", zap.String("model", name))
			},
			watcher.WithLogger(logger),
		)
		if err := w.Start(ctx); err != nil {
			logger.Warn("cache watcher failed to start", zap.Error(err))
		} else {
			defer w.Stop()
		}
	}

	srv := server.New(sessions, server.Config{
		BatchSize:        cfg.Model.BatchSize,
		NormalizeDefault: cfg.Model.NormalizeOrDefault(),
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx, os.Stdin, os.Stdout)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("serve loop failed", zap.Error(err))
		}
	case sig := <-sigChan:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}

	if metricsSrv != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = metricsSrv.Stop(stopCtx)
	}
}

// poolingOrDefault keeps an unset pooling config meaning mean rather than
// failing strategy parsing on the empty string.
func poolingOrDefault(name string) string {
	if name == "" {
		return string(engine.StrategyMean)
	}
	return name
}

func runModels() {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	root, err := cache.ResolveRoot(cfg.CacheDir)
	if err != nil {
		fmt.Printf("Failed to prepare cache root: %v\n", err)
		os.Exit(1)
	}
	mgr := cache.NewManager(root, nil, nil)

	var rows []cli.ModelRow
	for _, desc := range registry.All() {
		cached, _ := mgr.IsCached(desc.Name)
		size := cli.FormatSizeMB(desc.ApproxSizeMB)
		if cached {
			if bytes, err := mgr.Size(desc.Name); err == nil {
				size = cli.FormatSize(bytes)
			}
		}
		rows = append(rows, cli.ModelRow{
			Name:        desc.Name,
			Dimension:   desc.Dimension,
			MaxTokens:   desc.MaxTokens,
			Size:        size,
			Cached:      cached,
			Description: desc.Description,
		})
	}
	if err := cli.WriteModels(os.Stdout, rows, format); err != nil {
		fmt.Printf("Failed to write models: %v\n", err)
		os.Exit(1)
	}
}

// downloadProgress builds one progress bar per fetched file, rendered on
// stderr so stdout stays clean. Unknown sizes get no bar.
func downloadProgress(filename string, size int64) io.Writer {
	if size <= 0 {
		fmt.Fprintf(os.Stderr, "fetching %s\n", filename)
		return nil
	}
	return progressbar.NewOptions64(size,
		progressbar.OptionSetDescription(filename),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetBytes64(size),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(os.Stderr, "\n") }),
	)
}

func runDownload() {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	force := fs.Bool("force", false, "re-download even when the model is already cached")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: akidb-embed download [flags] <model>")
		os.Exit(1)
	}
	name := fs.Arg(0)
	if _, err := registry.Lookup(name); err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	root, err := cache.ResolveRoot(cfg.CacheDir)
	if err != nil {
		fmt.Printf("Failed to prepare cache root: %v\n", err)
		os.Exit(1)
	}
	fetcher := cache.NewHubFetcher()
	fetcher.Progress = downloadProgress
	mgr := cache.NewManager(root, fetcher, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dir, err := mgr.EnsureLocal(ctx, name, *force)
	if err != nil {
		fmt.Printf("Download failed: %v\n", err)
		os.Exit(1)
	}
	size, err := mgr.Size(name)
	if err != nil {
		fmt.Printf("Downloaded: %s -> %s\n", name, dir)
		return
	}
	fmt.Printf("Downloaded: %s -> %s (%s)\n", name, dir, humanize.Bytes(uint64(size)))
}

func runCache() {
	fs := flag.NewFlagSet("cache", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: akidb-embed cache <list|path|clear> [model]")
		os.Exit(1)
	}
	sub := fs.Arg(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	root, err := cache.ResolveRoot(cfg.CacheDir)
	if err != nil {
		fmt.Printf("Failed to prepare cache root: %v\n", err)
		os.Exit(1)
	}
	mgr := cache.NewManager(root, nil, nil)

	switch sub {
	case "list":
		names := mgr.ListCached()
		if len(names) == 0 {
			fmt.Println("Cache is empty.")
			return
		}
		for _, name := range names {
			size, err := mgr.Size(name)
			if err != nil {
				fmt.Printf("%-24s %10s\n", name, "?")
				continue
			}
			fmt.Printf("%-24s %10s\n", name, humanize.Bytes(uint64(size)))
		}
	case "path":
		fmt.Println(mgr.Root())
	case "clear":
		if fs.NArg() >= 2 {
			name := fs.Arg(1)
			if err := mgr.Clear(name); err != nil {
				fmt.Printf("Clear failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Cleared: %s\n", name)
			return
		}
		if err := mgr.ClearAll(); err != nil {
			fmt.Printf("Clear failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Cache cleared.")
	default:
		fmt.Printf("Unknown cache subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`akidb-embed - Text embedding inference sidecar

Usage:
  akidb-embed serve [flags]             Serve the stdio protocol (requests on stdin, responses on stdout)
  akidb-embed models [flags]            List the model catalog
  akidb-embed download [flags] <model>  Fetch a model into the local cache
  akidb-embed cache <list|path|clear>   Inspect or clear the model cache
  akidb-embed version                   Show version
  akidb-embed help                      Show this help

Serve Flags:
  --config string    Config file path (default: AKIDB_CONFIG, ./embedding_config.yaml, ~/.config/akidb/embedding_config.yaml)
  --debug            Enable debug logging (request traces, backend selection, etc.)

Models Flags:
  --config string    Config file path
  --output string    Output format: text or json (default: text)

Download Flags:
  --config string    Config file path
  --force            Re-download even when the model is already cached

Cache Flags:
  --config string    Config file path

Examples:
  akidb-embed serve
  akidb-embed serve --debug
  echo '{"method":"ping"}' | akidb-embed serve
  akidb-embed models
  akidb-embed models --output json
  akidb-embed download minilm-l6-v2
  akidb-embed cache list
  akidb-embed cache clear minilm-l6-v2`)
}
