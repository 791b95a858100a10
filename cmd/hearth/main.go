// Command hearth runs the local-first memory service: the memory cache,
// pattern detection and background sync behind an HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hearth/hearth/config"
	"github.com/hearth/hearth/pkg/api"
	"github.com/hearth/hearth/pkg/engine"
	"github.com/hearth/hearth/pkg/logger"
	"github.com/hearth/hearth/pkg/metrics"
	"github.com/hearth/hearth/pkg/telemetry/tracing"
	"github.com/hearth/hearth/pkg/version"
)

// cliFlags holds the parsed command line.
type cliFlags struct {
	configPath string
	version    bool
	help       bool

	// CLI overrides
	appName  string
	port     int
	logLevel string
	debug    bool
	deviceID string
	dataDir  string
	remote   string
}

func newFlagSet(out io.Writer) (*flag.FlagSet, *cliFlags) {
	f := &cliFlags{}
	fs := flag.NewFlagSet("hearth", flag.ContinueOnError)
	fs.SetOutput(out)

	fs.StringVar(&f.configPath, "config", "", "Path to configuration file (yaml or json)")
	fs.BoolVar(&f.version, "version", false, "Print version information")
	fs.BoolVar(&f.help, "help", false, "Print help information")

	fs.StringVar(&f.appName, "app-name", "", "Override app name")
	fs.IntVar(&f.port, "port", 0, "Override HTTP API port")
	fs.StringVar(&f.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	fs.BoolVar(&f.debug, "debug", false, "Enable debug mode")
	fs.StringVar(&f.deviceID, "device-id", "", "Override device ID")
	fs.StringVar(&f.dataDir, "data-dir", "", "Override local database directory")
	fs.StringVar(&f.remote, "remote", "", "Override remote store type (none, memory, redis)")
	return fs, f
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run is main without the process exit, returning the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, flags := newFlagSet(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if flags.help {
		printHelp(stdout, fs)
		return 0
	}
	if flags.version {
		printVersion(stdout)
		return 0
	}

	cfg, err := config.Load(flags.configPath, buildOverrides(flags))
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration:\n%s\n", err)
		return 1
	}

	log := newLogger(cfg)
	logger.SetGlobal(log)
	defer log.Close()

	if err := serve(ctx, cfg, flags.configPath, log); err != nil {
		log.Error("hearth exited with error", "error", err)
		return 1
	}
	return 0
}

func newLogger(cfg *config.Config) logger.Logger {
	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug {
		logCfg.Level = logger.DebugLevel
		logCfg.AddSource = true
	}
	return logger.New(logCfg)
}

// serve runs every component until ctx is cancelled or the HTTP server
// fails, then shuts down in reverse order.
func serve(ctx context.Context, cfg *config.Config, configPath string, log logger.Logger) error {
	log.Info("Starting hearth",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, version.Short(),
		tracing.WithLogger(log.Named("tracing")),
		tracing.WithInstanceID(cfg.App.DeviceID),
	)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metricsCfg.Port = cfg.Metrics.Port
	metricsCfg.Path = cfg.Metrics.Path
	metricsManager := metrics.NewManager(metricsCfg)

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(metricsCtx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	eng, err := engine.New(cfg, log, engine.WithMetrics(metricsManager))
	if err != nil {
		_ = shutdownTracing(context.Background())
		return fmt.Errorf("create engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		_ = eng.Stop(context.Background())
		_ = shutdownTracing(context.Background())
		return fmt.Errorf("start engine: %w", err)
	}

	if configPath != "" {
		stopWatch := watchConfig(ctx, configPath, cfg, log)
		defer stopWatch()
	}

	httpServer := api.NewHTTPServer(cfg, log.Named("http"), api.NewHandlers(eng, metricsManager))
	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- httpServer.Start()
	}()

	log.Info("hearth is running",
		"http_addr", httpServer.Addr(),
		"metrics_port", cfg.Metrics.Port,
		"remote", cfg.Remote.Type,
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	case err := <-serverErrChan:
		if err != nil {
			runErr = err
			log.Error("HTTP server error", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", "error", err)
	}
	log.Info("Stopping engine")
	if err := eng.Stop(shutdownCtx); err != nil {
		log.Error("Error during engine shutdown", "error", err)
	}
	stopMetrics()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("Error shutting down tracing", "error", err)
	}

	log.Info("hearth stopped gracefully")
	return runErr
}

// watchConfig reloads the config file on change and applies the settings
// that take effect without a restart. The returned func stops watching.
func watchConfig(ctx context.Context, path string, initial *config.Config, log logger.Logger) func() {
	watcher, err := config.NewWatcher(path, config.NewLoader(), config.WithWatcherLogger(log.Named("config")))
	if err != nil {
		log.Warn("Config hot reload disabled", "error", err)
		return func() {}
	}

	current := config.ExtractHotReloadable(initial)
	updates := make(chan config.HotReloadableConfig, 1)
	watcher.OnChange(func(cfg *config.Config) {
		select {
		case updates <- config.ExtractHotReloadable(cfg):
		default:
		}
	})

	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		if err := watcher.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("Config watcher stopped", "error", err)
		}
	}()
	go func() {
		for {
			select {
			case <-watchCtx.Done():
				return
			case next := <-updates:
				if !next.Changed(current) {
					continue
				}
				log.Info("Applying log level", "from", current.LogLevel, "to", next.LogLevel)
				log.SetLevel(logger.ParseLevel(next.LogLevel))
				current = next
			}
		}
	}()

	return func() {
		cancel()
		_ = watcher.Stop()
	}
}

func buildOverrides(f *cliFlags) map[string]interface{} {
	overrides := make(map[string]interface{})

	if f.appName != "" {
		overrides["app.name"] = f.appName
	}
	if f.port != 0 {
		overrides["server.port"] = f.port
	}
	if f.logLevel != "" {
		overrides["log.level"] = f.logLevel
	}
	if f.debug {
		overrides["app.debug"] = true
	}
	if f.deviceID != "" {
		overrides["app.device_id"] = f.deviceID
	}
	if f.dataDir != "" {
		overrides["storage.badger.path"] = f.dataDir
	}
	if f.remote != "" {
		overrides["remote.type"] = f.remote
	}

	return overrides
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "hearth - local-first memory service\n")
	fmt.Fprintf(w, "Version:    %s\n", version.Version)
	fmt.Fprintf(w, "Build Time: %s\n", version.BuildTime)
	fmt.Fprintf(w, "Git Commit: %s\n", version.GitCommit)
	fmt.Fprintf(w, "Go Version: %s\n", version.GoVersion)
}

func printHelp(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, "hearth - local-first memory service with pattern detection and sync\n\n")
	fmt.Fprintf(w, "Usage: hearth [options]\n\n")
	fmt.Fprintf(w, "Options:\n")
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, "\nEnvironment variables use the HEARTH_ prefix, e.g. HEARTH_SERVER_PORT=7420.\n")
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  hearth                                    # Run with default config\n")
	fmt.Fprintf(w, "  hearth -config hearth.yaml                # Use specific config file\n")
	fmt.Fprintf(w, "  hearth -port 7421 -log-level debug        # Override specific options\n")
	fmt.Fprintf(w, "  hearth -remote redis                      # Sync through Redis\n")
	fmt.Fprintf(w, "  hearth -version                           # Print version info\n")
}

