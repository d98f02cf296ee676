// Package main is the entry point for the antikoerper metrics daemon.
// It loads the configuration, builds items and sinks, starts the scheduler,
// and runs as either a Windows service or a foreground process until it is
// signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/anti-koerper/antikoerper/internal/collector"
	"github.com/anti-koerper/antikoerper/internal/config"
	"github.com/anti-koerper/antikoerper/internal/digest"
	"github.com/anti-koerper/antikoerper/internal/output"
	"github.com/anti-koerper/antikoerper/internal/scheduler"
	"github.com/anti-koerper/antikoerper/internal/service"
	"github.com/anti-koerper/antikoerper/internal/stats"
)

// version is set at build time via -ldflags.
var version = "dev"

// verbosity counts repeated -v flags.
type verbosity int

func (v *verbosity) String() string { return strconv.Itoa(int(*v)) }

func (v *verbosity) Set(s string) error {
	if s == "true" {
		*v++
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*v = verbosity(n)
	return nil
}

func (v *verbosity) IsBoolFlag() bool { return true }

func main() {
	var (
		configPath  string
		verbose     verbosity
		showVersion bool
		printConfig bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Shorthand for -config")
	flag.Var(&verbose, "v", "Increase log verbosity (repeatable)")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&printConfig, "print-config", false, "Print the effective configuration and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("antikoerper %s\n", version)
		os.Exit(0)
	}

	if configPath == "" {
		configPath = config.Locate()
	}
	if configPath == "" {
		fmt.Fprintf(os.Stderr, "No configuration file found, searched: %s\n",
			strings.Join(config.SearchPaths(), ", "))
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if printConfig {
		if err := config.Encode(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to print config: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Initialize logger
	logger := initLogger(cfg, int(verbose))
	defer logger.Sync()

	logger.Info("Starting antikoerper",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.Int("items", len(cfg.Items)))

	// Invalid digests and duplicate keys stop the daemon before any tick.
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	svc := service.New(logger, func(ctx context.Context) error {
		return runDaemon(ctx, cfg, logger)
	})

	// Check if running as Windows service
	if service.IsWindowsService() {
		logger.Info("Running as Windows service")
		if err := svc.Run(context.Background()); err != nil {
			logger.Fatal("Service failed", zap.Error(err))
		}
		return
	}

	// Handle OS signals for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		logger.Error("Daemon stopped with errors", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Daemon stopped")
}

// runDaemon builds all components and runs the scheduler. It blocks until
// ctx is cancelled and every in-flight tick has drained, then closes the
// sinks.
func runDaemon(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st := stats.New()

	items, err := cfg.BuildItems()
	if err != nil {
		return fmt.Errorf("building items: %w", err)
	}

	// Sinks outlive ctx: they are closed only after the scheduler drained.
	targets, err := cfg.BuildTargets(context.WithoutCancel(ctx), st, logger)
	if err != nil {
		return fmt.Errorf("opening outputs: %w", err)
	}
	dispatcher := output.NewDispatcher(targets, st, logger)

	runner := collector.NewRunner(cfg.General.Shell, cfg.General.Timeout.Duration, logger.Named("collector"))
	engine := digest.New(logger.Named("digest"))

	sched := scheduler.New(items, runner, engine, dispatcher, st, logger)
	sched.SetShutdownGrace(cfg.General.ShutdownGrace.Duration)

	if addr := cfg.General.MetricsListen; addr != "" {
		go func() {
			if err := st.Serve(ctx, addr, logger.Named("stats")); err != nil {
				logger.Error("Metrics endpoint failed", zap.String("addr", addr), zap.Error(err))
			}
		}()
	}

	logger.Info("Daemon running",
		zap.String("shell", cfg.General.Shell),
		zap.Int("outputs", len(targets)))
	sched.Start(ctx)

	for _, s := range sched.Status() {
		logger.Info("Item summary",
			zap.String("item", s.Key),
			zap.Uint64("runs", s.Runs),
			zap.Uint64("failures", s.Failures),
			zap.Uint64("overruns", s.Overruns),
			zap.Time("last_success", s.LastSuccess))
	}

	return dispatcher.Close()
}

// initLogger creates a zap logger based on the configuration.
// It outputs to both console (human-readable) and optionally a rotated
// JSON log file. Each -v raises the level by one step, down to debug.
func initLogger(cfg *config.Config, verbose int) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if verbose == 1 && level > zapcore.InfoLevel {
		level = zapcore.InfoLevel
	}
	if verbose >= 2 {
		level = zapcore.DebugLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	// Console output (human-readable, colored on a terminal)
	consoleEncoder := encoderConfig
	if term.IsTerminal(int(os.Stdout.Fd())) {
		consoleEncoder.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleEncoder),
		zapcore.AddSync(os.Stdout),
		level,
	)

	cores := []zapcore.Core{consoleCore}

	// File output (structured JSON, if configured)
	if cfg.Logging.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		}
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig),
			zapcore.AddSync(rotator),
			level,
		)
		cores = append(cores, fileCore)
	}

	return zap.New(zapcore.NewTee(cores...))
}
