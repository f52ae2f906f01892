// Package cmd holds the process lifecycle shared by CLI entry points.
package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/createrken-code/nippo-shokuninn/core/config"
	"github.com/createrken-code/nippo-shokuninn/core/logger"
)

// Application is a wired bot that runs until its context is done.
type Application interface {
	Run(ctx context.Context) error
	Close() error
}

// Options describe how to load configuration, bootstrap the app, and run it.
type Options struct {
	// ConfigPath wins over ConfigEnvVar, which wins over DefaultConfigPath.
	ConfigPath        string
	ConfigEnvVar      string
	DefaultConfigPath string

	LoadConfig func(path string) (*config.Config, error)
	Bootstrap  func(ctx context.Context, cfg *config.Config) (Application, error)

	ShutdownLogger func() error
	// Signals overrides the signals that stop the process.
	Signals []os.Signal
}

// ResolveConfigPath applies the ConfigPath, ConfigEnvVar, DefaultConfigPath precedence.
// An empty result means environment-only configuration.
func (o Options) ResolveConfigPath() string {
	if o.ConfigPath != "" {
		return o.ConfigPath
	}
	env := o.ConfigEnvVar
	if env == "" {
		env = "CONFIG_PATH"
	}
	if p := os.Getenv(env); p != "" {
		return p
	}
	return o.DefaultConfigPath
}

// Run loads configuration, bootstraps the app, and blocks until a stop signal.
func Run(opts Options) error {
	if opts.LoadConfig == nil {
		opts.LoadConfig = config.Load
	}
	if opts.Bootstrap == nil {
		return fmt.Errorf("cmd: Bootstrap is required")
	}

	cfgPath := opts.ResolveConfigPath()
	if cfgPath != "" {
		log.Printf("loading config: %s", cfgPath)
	}
	cfg, err := opts.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("cmd: failed to load config: %w", err)
	}

	signals := opts.Signals
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ctx, cancel := signal.NotifyContext(context.Background(), signals...)
	defer cancel()

	startedAt := time.Now()
	application, err := opts.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("cmd: bootstrap failed: %w", err)
	}

	shutdownLogger := opts.ShutdownLogger
	if shutdownLogger == nil {
		shutdownLogger = logger.Shutdown
	}
	defer func() {
		if err := shutdownLogger(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()

	logger.Info(ctx, "app", "ready", slog.Duration("startup_duration", logger.Took(startedAt)))
	runErr := application.Run(ctx)

	logger.Info(context.Background(), "app", "shutdown", slog.String("status", logger.Status(runErr)))
	if err := application.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
