// Package main provides the CLI entry point for the session simulator.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/example/sessionsim/internal/browser"
	"github.com/example/sessionsim/internal/config"
	"github.com/example/sessionsim/internal/fingerprint"
	"github.com/example/sessionsim/internal/metrics"
	"github.com/example/sessionsim/internal/runner"
	"github.com/example/sessionsim/internal/scenario"
	"github.com/example/sessionsim/internal/traffic"
	"github.com/example/sessionsim/internal/userpool"
)

// Version information (populated at build time)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// CLI flags
var (
	configPath     string
	numSessions    int
	once           bool
	debug          bool
	headed         bool
	noSandbox      bool
	seed           uint64
	prometheusAddr string
	showVersion    bool
)

func init() {
	flag.StringVar(&configPath, "config", "config.yaml", "Path to the YAML configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to the YAML configuration file (shorthand)")

	flag.IntVar(&numSessions, "sessions", 10, "Number of sessions per batch")
	flag.IntVar(&numSessions, "n", 10, "Number of sessions per batch (shorthand)")

	flag.BoolVar(&once, "once", false, "Run a single batch and exit instead of continuous scheduling")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&headed, "headed", false, "Run the browser with a visible window")
	flag.BoolVar(&noSandbox, "no-sandbox", false, "Disable the Chrome sandbox (needed in containers)")
	flag.Uint64Var(&seed, "seed", 0, "Random seed for reproducible runs (0 = time-seeded)")
	flag.StringVar(&prometheusAddr, "prometheus", "", "Prometheus metrics endpoint (e.g., :9090)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = printUsage
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Session Simulator - Synthetic GA4 Traffic Generator

USAGE:
    sessionsim -config <path> [options]

DESCRIPTION:
    Generates realistic synthetic sessions against a tagged site so GA4 and
    Google Tag Manager setups can be validated with plausible traffic. Each
    session plays a stochastic funnel scenario through a real Chrome browser,
    carries UTM attribution from a weighted traffic-source mix, and reuses a
    persistent pool of virtual users for returning-visitor behavior.

CONFIGURATION:
    -config, -c <path>    Path to the YAML configuration file (default: config.yaml)

RUN OPTIONS:
    -sessions, -n <n>     Number of sessions per batch (default: 10)
    -once                 Run a single batch and exit
    -seed <n>             Random seed for reproducible runs (0 = time-seeded)

BROWSER OPTIONS:
    -headed               Run the browser with a visible window
    -no-sandbox           Disable the Chrome sandbox (needed in containers)

UTILITY OPTIONS:
    -debug                Enable debug logging
    -prometheus <addr>    Enable Prometheus metrics endpoint (e.g., :9090)
    -version              Show version information
    -help, -h             Show this help message

EXAMPLES:
    # Run one batch of 20 sessions
    sessionsim -config config.yaml -once -n 20

    # Run continuously, one admission attempt per interval
    sessionsim -config config.yaml

    # Reproducible debug run with a visible browser
    sessionsim -config config.yaml -once -n 3 -seed 42 -headed -debug

    # Expose Prometheus metrics while running continuously
    sessionsim -config config.yaml -prometheus :9090

Without -once the simulator runs until interrupted; Ctrl-C stops admission
and lets in-flight sessions finish.
`)
}

func main() {
	flag.Parse()

	if showVersion {
		printVersion()
		os.Exit(0)
	}

	absConfigPath, err := filepath.Abs(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving config path: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadFromFile(absConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if prometheusAddr != "" {
		cfg.Metrics.ListenAddr = prometheusAddr
	}

	logger := newLogger(debug)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("run failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	sources, err := traffic.NewSelector(cfg.TrafficSources, newRand(1))
	if err != nil {
		return err
	}

	pool, err := userpool.New(cfg.DataDir, cfg.Users, newRand(2))
	if err != nil {
		return err
	}

	engine := scenario.NewEngine(newRand(3))
	fpGen := fingerprint.NewGenerator(cfg.Fingerprint, newRand(4))

	exec, err := browser.New(browser.Config{
		TargetURL:  cfg.TargetURL,
		GTMSnippet: cfg.GTMSnippet,
		CMPSnippet: cfg.CMPSnippet,
		Headed:     headed,
		NoSandbox:  noSandbox,
	}, fpGen, pool, logger)
	if err != nil {
		return err
	}
	defer exec.Close()

	collector := metrics.NewCollector()

	var exporter *metrics.Exporter
	if cfg.Metrics.ListenAddr != "" {
		exporter = metrics.NewExporter(metrics.ExporterConfig{Addr: cfg.Metrics.ListenAddr})
		if err := exporter.Start(); err != nil {
			return err
		}
		logger.Info("metrics endpoint listening", zap.String("addr", exporter.Addr()))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = exporter.Stop(shutdownCtx)
		}()
		exporter.SetUserPoolSize(pool.Size())
	}

	sched, err := runner.New(cfg.Sessions, runner.Deps{
		Engine:    engine,
		Funnel:    cfg.Funnel,
		Timing:    cfg.Timing,
		Sources:   sources,
		Pool:      pool,
		Executor:  exec,
		Collector: collector,
		Exporter:  exporter,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("simulator starting",
		zap.String("target", cfg.TargetURL),
		zap.Int("poolSize", pool.Size()),
		zap.Bool("once", once))

	if once {
		if _, err := sched.RunBatch(ctx, numSessions); err != nil && err != context.Canceled {
			return err
		}
	} else {
		if err := sched.RunContinuous(ctx); err != nil {
			return err
		}
	}

	collector.WriteReport(os.Stdout)
	return nil
}

// newLogger builds the process logger. Debug mode gets the development
// console encoder; normal runs log structured JSON at info level.
func newLogger(debug bool) *zap.Logger {
	var zcfg zap.Config
	if debug {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// newRand builds a per-component random generator. With an explicit seed
// every component gets a deterministic stream; otherwise streams are
// time-seeded independently.
func newRand(stream uint64) *rand.Rand {
	if seed != 0 {
		return rand.New(rand.NewPCG(seed, stream))
	}
	now := uint64(time.Now().UnixNano())
	return rand.New(rand.NewPCG(now, now>>32+stream))
}

func printVersion() {
	fmt.Printf("sessionsim version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}
