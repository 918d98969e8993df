package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/dataplane/internal/config"
	"github.com/wudi/dataplane/internal/logging"
	"github.com/wudi/dataplane/internal/metrics"
	"github.com/wudi/dataplane/internal/plugin"
	"github.com/wudi/dataplane/internal/proxy"
	"github.com/wudi/dataplane/internal/tracing"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// environment overrides flags and the configuration file.
type environment struct {
	Config      string `env:"CONFIG"`
	LogLevel    string `env:"LOG_LEVEL"`
	MetricsAddr string `env:"METRICS_ADDR"`
}

func main() {
	configPath := flag.String("config", "configs/dataplane.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dataplane %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	var envCfg environment
	if err := env.ParseWithOptions(&envCfg, env.Options{Prefix: "DATAPLANE_"}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse environment: %v\n", err)
		os.Exit(1)
	}
	if envCfg.Config != "" {
		*configPath = envCfg.Config
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if envCfg.LogLevel != "" {
		cfg.System.Logging.Level = envCfg.LogLevel
	}
	if envCfg.MetricsAddr != "" {
		cfg.System.Metrics.Enabled = true
		cfg.System.Metrics.Address = envCfg.MetricsAddr
	}

	if *validateOnly {
		if err := validate(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	lc := cfg.System.Logging
	logger, closer, err := logging.New(logging.Config{
		Level:      lc.Level,
		Output:     lc.Output,
		MaxSize:    lc.Rotation.MaxSize,
		MaxBackups: lc.Rotation.MaxBackups,
		MaxAge:     lc.Rotation.MaxAge,
		Compress:   lc.Rotation.Compress,
		LocalTime:  lc.Rotation.LocalTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	defer func() {
		logger.Sync()
		if closer != nil {
			closer.Close()
		}
	}()

	logging.Info("Starting dataplane",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("services", len(cfg.Services)),
	)

	if err := run(*configPath, cfg); err != nil {
		logging.Error("Dataplane stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logging.Info("Dataplane stopped")
}

func run(configPath string, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.New(ctx, cfg.System.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracer.Close(shutdownCtx)
	}()

	rt, err := plugin.NewRuntime(ctx, cfg.System.Wasm)
	if err != nil {
		return fmt.Errorf("plugin runtime: %w", err)
	}
	defer rt.Close(context.Background())
	loader := plugin.NewLoader(rt, nil)
	defer loader.Close(context.Background())

	collector := metrics.Default()
	listeners := newListeners(cfg.System.Proxy, tracer, collector)
	reloader := proxy.NewReloader(proxy.ReloaderConfig{
		Plugins: loader,
		Metrics: collector,
		Hooks: proxy.ReloadHooks{
			ServiceAdded:   listeners.start,
			ServiceRemoved: listeners.stop,
		},
	})
	defer reloader.Close()

	if err := reloader.Bootstrap(ctx, cfg); err != nil {
		listeners.shutdown(context.Background())
		return fmt.Errorf("initial configuration: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case err := <-listeners.errs:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	if cfg.System.Metrics.Enabled {
		admin := &http.Server{
			Addr:              cfg.System.Metrics.Address,
			Handler:           adminHandler(cfg.System.Metrics.Path, collector, reloader, loader),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logging.Info("Admin listener started", zap.String("address", admin.Addr))
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return admin.Shutdown(shutdownCtx)
		})
	}

	watcher := config.NewWatcher(configPath, cfg.System.Reload)
	watcher.OnChange(func(next *config.Config) {
		reloader.Apply(gctx, next)
	})
	g.Go(func() error {
		return watcher.Start(gctx)
	})

	<-gctx.Done()
	logging.Info("Shutting down")
	watcher.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	listeners.shutdown(shutdownCtx)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// validate compiles cfg without serving it.
func validate(cfg *config.Config) error {
	ctx := context.Background()
	rt, err := plugin.NewRuntime(ctx, cfg.System.Wasm)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)
	loader := plugin.NewLoader(rt, nil)
	defer loader.Close(ctx)

	reloader := proxy.NewReloader(proxy.ReloaderConfig{
		Plugins: loader,
		Metrics: metrics.NewCollector(),
	})
	defer reloader.Close()
	return reloader.Bootstrap(ctx, cfg)
}

func adminHandler(metricsPath string, collector *metrics.Collector, reloader *proxy.Reloader, loader *plugin.Loader) http.Handler {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(metricsPath, collector.Handler())
	mux.Handle("/reloads", reloader.HistoryHandler())
	mux.HandleFunc("/plugins", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(loader.Stats())
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"services": reloader.Services().Names(),
		})
	})
	return mux
}
