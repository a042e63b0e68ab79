// Thermod-monitor-mqtt forwards Thermod temperature and status data to
// an MQTT broker.
//
// It long-polls the Thermod daemon's control socket for status changes
// and publishes each change to the broker with Home Assistant MQTT
// discovery, so the thermostat appears as a native HA device.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	thermod-monitor-mqtt serve          Run the forwarder
//	thermod-monitor-mqtt init [dir]     Write a default config file
//	thermod-monitor-mqtt status        Query Thermod and print the current status
//	thermod-monitor-mqtt version       Print version and build information
//	thermod-monitor-mqtt -o json status  Output as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/droscy/thermod-monitor-mqtt/internal/buildinfo"
	"github.com/droscy/thermod-monitor-mqtt/internal/config"
	"github.com/droscy/thermod-monitor-mqtt/internal/connwatch"
	"github.com/droscy/thermod-monitor-mqtt/internal/history"
	"github.com/droscy/thermod-monitor-mqtt/internal/monitor"
	"github.com/droscy/thermod-monitor-mqtt/internal/mqtt"
	"github.com/droscy/thermod-monitor-mqtt/internal/thermod"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. All OS-level dependencies are injected
// as parameters. Arguments are parsed by hand: the flag package relies
// on package-level globals (flag.CommandLine), which makes it
// impossible to call run() concurrently from tests, and the argument
// surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "status":
		return runStatus(ctx, stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "thermod-monitor-mqtt - Forward Thermod temperature and status to an MQTT broker")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: thermod-monitor-mqtt [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the forwarder")
	fmt.Fprintln(w, "  init [dir]   Write a default config file (default: .)")
	fmt.Fprintln(w, "  status       Query Thermod and print the current status")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runStatus handles the "status" subcommand: a one-shot query against
// the Thermod daemon, useful for checking connectivity before starting
// the forwarder.
func runStatus(ctx context.Context, stdout io.Writer, configPath string, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(stdout, slog.LevelWarn, "text")
	client := thermod.NewClient(cfg.Thermod.URL, time.Minute, logger)

	st, err := client.GetStatus(ctx)
	if err != nil {
		return fmt.Errorf("query thermod at %s: %w", cfg.Thermod.URL, err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	heating := "off"
	if st.Heating() {
		heating = "on"
	}
	fmt.Fprintf(stdout, "status:      %s\n", st.Status)
	fmt.Fprintf(stdout, "temperature: %.1f °C (target %.1f °C)\n", st.CurrentTemperature, st.TargetTemperature)
	fmt.Fprintf(stdout, "heating:     %s\n", heating)
	fmt.Fprintf(stdout, "as of:       %s\n", st.Time().Format(time.RFC3339))
	if st.Error != "" {
		fmt.Fprintf(stdout, "error:       %s\n", st.Error)
	}
	return nil
}

// defaultConfigYAML is the commented config file written by "init".
const defaultConfigYAML = `# thermod-monitor-mqtt configuration

thermod:
  # Base URL of the Thermod control socket.
  url: http://localhost:4344
  # Name this monitor reports to the daemon's long-poll endpoint.
  monitor_name: mqtt

mqtt:
  # Broker URL. Schemes: mqtt://, mqtts://, ws://, wss://
  broker: mqtt://localhost:1883
  # username: thermod
  # password: ${MQTT_PASSWORD}
  # Device name shown in Home Assistant; also part of all topics.
  device_name: thermod
  discovery_prefix: homeassistant
  qos: 1
  # Forced full republish interval in seconds.
  teleperiod_sec: 300

history:
  enabled: true
  retention_days: 30

# Directory for the instance ID and the reading log.
data_dir: .

log_level: info
log_format: text
`

// runInit writes a default config file into dir. It refuses to
// overwrite an existing file.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, "thermod-monitor-mqtt.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}

	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return nil
}

// runServe handles the "serve" subcommand. It is the primary operating
// mode: loads config, connects to the MQTT broker, and runs the
// forwarding loop until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The forwarding loop and watchers drain
//  3. An "offline" availability message is published before disconnect
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting thermod-monitor-mqtt",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial Info-level text logger covers only the startup
	// banner and config errors.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated by config.Validate.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFmt)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"thermod_url", cfg.Thermod.URL,
		"broker", cfg.MQTT.Broker,
		"device_name", cfg.MQTT.DeviceName,
	)

	if !cfg.MQTT.Configured() {
		return fmt.Errorf("mqtt.broker and mqtt.device_name must be configured")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Thermod client ---
	// The long-poll timeout gets a small grace period over the
	// configured window so the daemon, not the client, ends each poll.
	pollTimeout := time.Duration(cfg.Thermod.LongPollTimeoutSec)*time.Second + 30*time.Second
	td := thermod.NewClient(cfg.Thermod.URL, pollTimeout, logger)

	// --- MQTT publisher ---
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load mqtt instance id: %w", err)
	}
	logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

	pub := mqtt.New(cfg.MQTT, instanceID, logger)
	if err := pub.Start(ctx); err != nil {
		return fmt.Errorf("start mqtt publisher: %w", err)
	}

	// --- Connection watchdogs ---
	// Health monitoring with exponential backoff for both external
	// dependencies. Outages are logged on transition, not per probe.
	thermodWatcher := connwatch.Watch(ctx, connwatch.Config{
		Name:    "thermod",
		Probe:   func(pCtx context.Context) error { return td.Ping(pCtx) },
		Backoff: connwatch.DefaultBackoff(),
		OnReady: func() {
			infoCtx, infoCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer infoCancel()
			if v, err := td.GetVersion(infoCtx); err == nil {
				logger.Info("connected to Thermod", "url", cfg.Thermod.URL, "daemon_version", v)
			}
		},
		Logger: logger,
	})
	defer thermodWatcher.Stop()
	td.SetWatcher(thermodWatcher)

	mqttWatcher := connwatch.Watch(ctx, connwatch.Config{
		Name: "mqtt",
		Probe: func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return pub.AwaitConnection(awaitCtx)
		},
		Backoff: connwatch.DefaultBackoff(),
		Logger:  logger,
	})
	defer mqttWatcher.Stop()

	// --- Reading history ---
	var rec monitor.Recorder
	if cfg.HistoryEnabled() {
		dbPath := filepath.Join(cfg.DataDir, "history.db")
		store, err := history.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open reading history %s: %w", dbPath, err)
		}
		defer store.Close()
		logger.Info("reading history opened", "path", dbPath)

		if last, err := store.GetState("last_published"); err == nil && last != "" {
			if ts, err := strconv.ParseInt(last, 10, 64); err == nil {
				logger.Info("last forwarded reading before restart",
					"at", time.Unix(ts, 0).Format(time.RFC3339))
			}
		}

		rec = &historyRecorder{store: store}

		if cfg.History.RetentionDays > 0 {
			retention := time.Duration(cfg.History.RetentionDays) * 24 * time.Hour
			pruneDone := make(chan struct{})
			go func() {
				defer close(pruneDone)
				pruneLoop(ctx, store, retention, logger)
			}()
			// Registered after store.Close above, so it runs first: no
			// prune can hit a closed database on shutdown.
			defer func() { <-pruneDone }()
		}
	} else {
		logger.Info("reading history disabled")
	}

	// --- Forwarding loop ---
	mon := monitor.New(td, pub, rec, monitor.Config{
		MonitorName:  cfg.Thermod.MonitorName,
		Teleperiod:   time.Duration(cfg.MQTT.TeleperiodSec) * time.Second,
		PollInterval: time.Duration(cfg.Thermod.PollIntervalSec) * time.Second,
		Logger:       logger,
	})

	logger.Info("forwarding started",
		"monitor_name", cfg.Thermod.MonitorName,
		"teleperiod_sec", cfg.MQTT.TeleperiodSec,
	)

	if err := mon.Run(ctx); err != nil {
		return fmt.Errorf("forwarding loop: %w", err)
	}

	// Publish offline availability before disconnecting. The parent
	// ctx is already cancelled, so use a fresh one for the farewell.
	logger.Info("shutdown signal received")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := pub.Stop(stopCtx); err != nil {
		logger.Error("mqtt shutdown failed", "error", err)
	}

	logger.Info("thermod-monitor-mqtt stopped")
	return nil
}

// historyRecorder appends readings to the history store and tracks the
// last published timestamp in the store's operational state, so a
// restart can report how stale the retained broker state might be.
type historyRecorder struct {
	store *history.Store
}

func (h *historyRecorder) Append(st *thermod.Status) error {
	if err := h.store.Append(st); err != nil {
		return err
	}
	return h.store.SetState("last_published", strconv.FormatInt(time.Now().Unix(), 10))
}

// pruneLoop removes readings past the retention window once a day.
func pruneLoop(ctx context.Context, store *history.Store, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	// Prune once at startup so a long-stopped monitor trims on boot.
	prune(store, retention, logger)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune(store, retention, logger)
		}
	}
}

func prune(store *history.Store, retention time.Duration, logger *slog.Logger) {
	n, err := store.PruneOlderThan(time.Now().Add(-retention))
	if err != nil {
		logger.Warn("history prune failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("history pruned", "removed", n)
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Returns the parsed config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
