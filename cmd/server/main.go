package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/voiceid/voiceid/cmd/server/internal/api"
	"github.com/voiceid/voiceid/cmd/server/internal/audio"
	"github.com/voiceid/voiceid/cmd/server/internal/audit"
	"github.com/voiceid/voiceid/cmd/server/internal/cache"
	"github.com/voiceid/voiceid/cmd/server/internal/config"
	"github.com/voiceid/voiceid/cmd/server/internal/extractor"
	"github.com/voiceid/voiceid/cmd/server/internal/model"
	"github.com/voiceid/voiceid/cmd/server/internal/stats"
	"github.com/voiceid/voiceid/cmd/server/internal/verify"
	"github.com/voiceid/voiceid/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config file (empty uses built-in defaults)")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	preload := flag.Bool("preload", false, "Load the model at startup instead of on first request")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("voiceid server v%s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *preload {
		cfg.Model.Preload = true
	}

	if _, err := logger.Init(logger.Config{
		Level:       cfg.Server.LogLevel,
		Environment: environmentName(cfg.Server.Environment),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	if cfg.Server.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	scratchDir := cfg.Audio.ScratchDir
	if scratchDir == "" {
		scratchDir = os.TempDir() + "/voiceid-scratch"
	}
	cacheDir := cfg.Audio.CacheDir
	if cacheDir == "" {
		cacheDir = os.TempDir() + "/voiceid-cache"
	}

	fetcher := cache.NewHTTPFetcher(cfg.DownloadTimeoutDuration())
	audioCache, err := cache.New(cacheDir, fetcher, cfg.CacheTTLDuration())
	if err != nil {
		logger.L().Error("failed to init audio cache", "error", err)
		os.Exit(1)
	}
	if ttl := cfg.CacheTTLDuration(); ttl > 0 {
		stop := audioCache.StartEvictionLoop(ttl / 2)
		defer close(stop)
	}

	resolver, err := audio.NewResolver(scratchDir, audioCache, cfg.AllowedExtensionSet(), cfg.Audio.MaxUploadBytes)
	if err != nil {
		logger.L().Error("failed to init audio resolver", "error", err)
		os.Exit(1)
	}

	// "mock" swaps the inference sidecar for the deterministic extractor,
	// useful for integration environments without GPU capacity.
	var loader extractor.LoadFunc
	if cfg.Model.ExtractorURL == "mock" {
		loader = extractor.NewMockLoader(0)
	} else {
		loader = extractor.NewRemoteLoader(cfg.Model.ExtractorURL, cfg.LoadTimeoutDuration())
	}

	coord := model.NewCoordinator(loader, model.Options{
		ModelID:     cfg.Model.ModelID,
		Device:      cfg.Model.Device,
		MaxAttempts: cfg.Model.MaxLoadAttempts,
		Backoff:     model.LinearBackoff(cfg.BackoffBaseDuration()),
		LoadTimeout: cfg.LoadTimeoutDuration(),
	})

	if cfg.Model.Preload {
		// A failed preload is not fatal: the coordinator retries on the
		// first request.
		if _, err := coord.EnsureReady(context.Background()); err != nil {
			logger.L().Warn("model preload failed, will retry on first request", "error", err)
		}
	}

	runtime := config.NewRuntime(cfg)
	engine := verify.NewEngine(resolver, coord, runtime, cfg.Verify.BatchParallelism)
	collector := stats.NewCollector()

	var auditLogger *audit.Logger
	if cfg.Audit.Path != "" {
		auditLogger = audit.New(audit.Options{
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
		})
	}

	srv := api.NewServer(cfg, runtime, engine, coord, collector, auditLogger)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Router(),
	}

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		logger.L().Info("starting voiceid server",
			"version", Version,
			"port", cfg.Server.Port,
			"model_id", cfg.Model.ModelID,
			"extractor", cfg.Model.ExtractorURL,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L().Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-stopChan

	logger.L().Info("shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeoutDuration())
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.L().Error("server shutdown error", "error", err)
	}

	logger.L().Info("server stopped")
}

// environmentName maps the config's dev/prod to the logger's expected values.
func environmentName(env string) string {
	if env == "prod" {
		return "prod"
	}
	return "development"
}
