package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"trtd/internal/config"
	"trtd/internal/emulator"
	"trtd/internal/httpapi"
	"trtd/internal/logging"
	"trtd/internal/manager"
	"trtd/internal/registry"
	"trtd/internal/tensorrt"
	"trtd/internal/trt"
)

type serveFlags struct {
	configPath string
	preload    string
	corsOrigin string
	corsMethod string
	corsHeader string
	cfg        config.Config
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve engines from a models directory over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.resolve()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	defaultAddr := ""
	if v := os.Getenv("TRTD_ADDR"); v != "" {
		defaultAddr = v
	}
	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "Config file (.yaml, .yml, .json or .toml)")
	fl.StringVar(&f.cfg.Addr, "addr", defaultAddr, "HTTP listen address (default :8080)")
	fl.StringVar(&f.cfg.ModelsDir, "models-dir", "", "Directory to scan for *.engine and *.onnx files (default ~/models/engines)")
	fl.StringVar(&f.cfg.Backend, "backend", "", "Accelerator backend: emulator or tensorrt (default emulator)")
	fl.IntVar(&f.cfg.DeviceMemoryMB, "device-memory-mb", 0, "Emulated device capacity in MB (default 4096)")
	fl.BoolVar(&f.cfg.FP16, "fp16", false, "Emulated device reports fast FP16")
	fl.IntVar(&f.cfg.DeviceBudgetMB, "device-budget-mb", 0, "Device memory budget in MB for all instances (0=unlimited)")
	fl.IntVar(&f.cfg.DeviceMarginMB, "device-margin-mb", 0, "Reserved device memory margin in MB to keep free")
	fl.StringVar(&f.cfg.DefaultModel, "default-model", "", "Default model id when a request omits model")
	fl.IntVar(&f.cfg.WorkspaceMB, "workspace-mb", 0, "Builder workspace in MB for compilations (default 1024)")
	fl.BoolVar(&f.cfg.AutoCompile, "auto-compile", false, "Compile ONNX sources on first use when no engine exists")
	fl.StringVar(&f.preload, "preload", "", "Comma-separated model ids to load at startup")
	fl.IntVar(&f.cfg.MaxQueueDepth, "max-queue-depth", 0, "Per-instance queue depth (default 32)")
	fl.IntVar(&f.cfg.MaxWaitMS, "max-wait-ms", 0, "Max time a request waits for a slot, in ms (default 30000)")
	fl.IntVar(&f.cfg.DrainTimeoutMS, "drain-timeout-ms", 0, "Max time unload waits for in-flight work, in ms (default 5000)")
	fl.StringVar(&f.cfg.LogLevel, "log-level", "", "Log level: trace, debug, info, warn, error, off")
	fl.StringVar(&f.cfg.LogFormat, "log-format", "", "Log format: json or console")
	fl.StringVar(&f.cfg.RuntimeLogLevel, "runtime-log-level", "", "Least severe native runtime diagnostic to log (default warning)")
	fl.Int64Var(&f.cfg.MaxBodyBytes, "max-body-bytes", 0, "Maximum request body size in bytes")
	fl.Int64Var(&f.cfg.InferTimeoutSec, "infer-timeout", 0, "Per-request inference timeout in seconds (0=none)")
	fl.BoolVar(&f.cfg.CORSEnabled, "cors-enabled", false, "Enable CORS")
	fl.StringVar(&f.corsOrigin, "cors-origins", "", "Comma-separated allowed CORS origins")
	fl.StringVar(&f.corsMethod, "cors-methods", "", "Comma-separated allowed CORS methods")
	fl.StringVar(&f.corsHeader, "cors-headers", "", "Comma-separated allowed CORS headers")
	return cmd
}

// resolve layers defaults, the config file and flags, in that order.
func (f *serveFlags) resolve() (config.Config, error) {
	cfg := config.Defaults()
	if f.configPath != "" {
		fileCfg, err := config.Load(f.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = cfg.Merge(fileCfg)
	}
	flags := f.cfg
	flags.Preload = splitCSV(f.preload)
	flags.CORSAllowedOrigins = splitCSV(f.corsOrigin)
	flags.CORSAllowedMethods = splitCSV(f.corsMethod)
	flags.CORSAllowedHeaders = splitCSV(f.corsHeader)
	cfg = cfg.Merge(flags)
	return cfg, cfg.Validate()
}

// newPlatform opens the backend named by cfg.
func newPlatform(cfg config.Config) (trt.Platform, error) {
	switch cfg.Backend {
	case config.BackendTensorRT:
		return tensorrt.New(tensorrt.Options{})
	default:
		return emulator.New(emulator.Options{
			MemoryBytes: int64(cfg.DeviceMemoryMB) << 20,
			FastFP16:    cfg.FP16,
		}), nil
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	reg, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}
	platform, err := newPlatform(cfg)
	if err != nil {
		return err
	}

	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Registry:        reg,
		BudgetMB:        cfg.DeviceBudgetMB,
		MarginMB:        cfg.DeviceMarginMB,
		DefaultModel:    cfg.DefaultModel,
		MaxQueueDepth:   cfg.MaxQueueDepth,
		MaxWait:         time.Duration(cfg.MaxWaitMS) * time.Millisecond,
		DrainTimeout:    time.Duration(cfg.DrainTimeoutMS) * time.Millisecond,
		Platform:        platform,
		RuntimeLogLevel: cfg.RuntimeLogLevel,
		AutoCompile:     cfg.AutoCompile,
		WorkspaceMB:     cfg.WorkspaceMB,
		Logger:          &log,
		Publisher:       manager.LogPublisher{Log: log.With().Str("component", "events").Logger()},
	})
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Error().Err(err).Msg("manager close")
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetInferTimeoutSeconds(cfg.InferTimeoutSec)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSAllowedOrigins, cfg.CORSAllowedMethods, cfg.CORSAllowedHeaders)

	if len(cfg.Preload) > 0 {
		if err := mgr.Preload(ctx, cfg.Preload); err != nil {
			return fmt.Errorf("preload: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(mgr),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Addr).
			Str("models_dir", cfg.ModelsDir).
			Str("backend", platform.Name()).
			Int("models", len(reg)).
			Msg("trtd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

// cliLogger is the console logger used by the one-shot commands.
func cliLogger(level string) zerolog.Logger {
	return logging.New(logging.Options{Level: level, Format: "console"})
}
