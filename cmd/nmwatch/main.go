// Nmwatch observes NetworkManager over D-Bus without changing anything.
//
// The watch command follows every ActiveConnection state change and
// publishes it to the local HTTP API, an optional SQLite history and an
// optional MQTT broker. The one-shot commands answer questions about the
// current state. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]); without
// one, built-in defaults are used.
//
// Usage:
//
//	nmwatch watch              Follow connection state changes
//	nmwatch status             List active connections
//	nmwatch resolve <ssid>     Show access points and the connection for an SSID
//	nmwatch networks           List visible networks
//	nmwatch history [n]        Print the n most recent recorded events
//	nmwatch init [dir]         Write an example config file
//	nmwatch version            Print version and build information
//	nmwatch -o json status     Output as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigsaltyfishes/nmwatch/internal/api"
	"github.com/bigsaltyfishes/nmwatch/internal/buildinfo"
	"github.com/bigsaltyfishes/nmwatch/internal/config"
	"github.com/bigsaltyfishes/nmwatch/internal/connwatch"
	"github.com/bigsaltyfishes/nmwatch/internal/events"
	"github.com/bigsaltyfishes/nmwatch/internal/history"
	"github.com/bigsaltyfishes/nmwatch/internal/mqtt"
	"github.com/bigsaltyfishes/nmwatch/internal/nm"
	"github.com/bigsaltyfishes/nmwatch/internal/resolver"
	"github.com/bigsaltyfishes/nmwatch/internal/watcher"
)

// queryTimeout bounds the bus calls of one-shot commands.
const queryTimeout = 15 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], so the
// whole command can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every command.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
}

// run is the real entry point for the nmwatch command. ctx controls the
// lifetime of the process, stdout receives command output and logs of
// the watch command, stderr receives logs of the one-shot commands, and
// args is os.Args[1:].
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals, which makes it impossible to call run() concurrently from
	// tests.
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
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

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "watch":
		return runWatch(ctx, stdout, opts)
	case "status":
		return runStatus(ctx, stdout, opts)
	case "resolve":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: nmwatch resolve <ssid>")
		}
		return runResolve(ctx, stdout, stderr, opts, cmdArgs[0])
	case "networks":
		return runNetworks(ctx, stdout, stderr, opts)
	case "history":
		limit := 20
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("usage: nmwatch history [n] (n must be a positive integer)")
			}
			limit = n
		}
		return runHistory(ctx, stdout, opts, limit)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "", "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	fmt.Fprintf(w, "  %-12s %s\n", "go_version:", info.GoVersion)
	fmt.Fprintf(w, "  %-12s %s/%s\n", "platform:", info.OS, info.Arch)
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "nmwatch - read-only NetworkManager connection observer")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: nmwatch [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  watch           Follow connection state changes and serve the status API")
	fmt.Fprintln(w, "  status          List active connections")
	fmt.Fprintln(w, "  resolve <ssid>  Show access points and the active connection for an SSID")
	fmt.Fprintln(w, "  networks        List visible Wi-Fi networks")
	fmt.Fprintln(w, "  history [n]     Print the n most recent recorded events (default: 20)")
	fmt.Fprintln(w, "  init [dir]      Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// runWatch is the long-running mode. The watcher, the history recorder,
// the MQTT publisher and the API server share one errgroup: a fatal
// watcher error (NetworkManager unreachable at startup) stops them all.
func runWatch(ctx context.Context, stdout io.Writer, opts options) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting nmwatch", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that the desired level and format are known.
	level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by loadConfig
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"listen", cfg.Listen.Enabled,
		"history", cfg.History.Enabled,
		"mqtt", cfg.MQTT.Configured(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Everything that can fail runs before the first goroutine starts,
	// so an early return never leaves a worker behind.
	var store *history.Store
	if cfg.History.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.History.Path), 0o755); err != nil {
			return fmt.Errorf("create history directory: %w", err)
		}
		store, err = history.Open(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("open history %s: %w", cfg.History.Path, err)
		}
		defer store.Close()
		logger.Info("history database opened", "path", cfg.History.Path, "max_events", cfg.History.MaxEvents)
	}

	var instanceID string
	if cfg.MQTT.Configured() {
		instanceID, err = mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
	}

	bus := events.New()
	backoff := connwatch.BackoffConfig{
		InitialDelay: time.Duration(cfg.NetworkManager.ReconnectInitialSec) * time.Second,
		MaxDelay:     time.Duration(cfg.NetworkManager.ReconnectMaxSec) * time.Second,
		PollInterval: time.Duration(cfg.NetworkManager.HealthPollSec) * time.Second,
	}

	w := watcher.New(watcher.Config{
		Dial:          dialBus,
		Events:        bus,
		Backoff:       backoff,
		LookupTimeout: cfg.NetworkManager.LookupTimeout(),
		Logger:        logger.With("component", "watcher"),
	})

	// The resolver and the health check use their own connection so
	// request-driven reads never touch the watcher's subscription.
	inventory := &nm.Shared{}
	defer inventory.Close()
	res := resolver.New(inventory, logger.With("component", "resolver"))

	var pub *mqtt.Publisher
	var states statePublisher
	if cfg.MQTT.Configured() {
		pub = mqtt.New(cfg.MQTT, instanceID, w, bus, logger.With("component", "mqtt"))
		states = pub
	}

	g, gctx := errgroup.WithContext(ctx)

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	for _, check := range healthChecks(gctx, inventory.Ping, states, backoff, logger) {
		connMgr.Watch(gctx, check)
	}

	g.Go(func() error {
		return w.Run(gctx)
	})

	// --- History ---
	if store != nil {
		g.Go(func() error {
			return store.Run(gctx, bus, cfg.History.MaxEvents, logger.With("component", "history"))
		})
	}

	// --- MQTT publisher ---
	if pub != nil {
		g.Go(func() error {
			// A broker problem never stops the watcher.
			if err := pub.Start(gctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := pub.Stop(stopCtx); err != nil {
				logger.Debug("mqtt shutdown", "error", err)
			}
			return nil
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"topic", cfg.MQTT.Topic(),
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- API server ---
	if cfg.Listen.Enabled {
		server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, w, res, logger.With("component", "api"))
		server.SetHealth(connMgr)
		server.SetEventBus(bus)
		if store != nil {
			server.SetHistory(store)
		}

		g.Go(func() error {
			if err := server.Start(gctx); err != nil {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("shutdown signal received")
	}
	if err != nil {
		return err
	}
	logger.Info("nmwatch stopped", "dropped_events", bus.Dropped())
	return nil
}

// statePublisher is the part of the MQTT publisher the health checks
// drive. [*mqtt.Publisher] implements it.
type statePublisher interface {
	Refresh(ctx context.Context)
	AwaitConnection(ctx context.Context) error
}

// healthChecks returns the service checks of the watch command. A
// NetworkManager outage is logged as degraded operation, since the API
// keeps serving the last snapshot. When pub is set, the broker is
// checked too and sensor states are republished whenever either
// service changes health.
func healthChecks(ctx context.Context, nmProbe connwatch.ProbeFunc, pub statePublisher, backoff connwatch.BackoffConfig, logger *slog.Logger) []connwatch.WatcherConfig {
	refresh := func() {
		if pub != nil {
			pub.Refresh(ctx)
		}
	}

	checks := []connwatch.WatcherConfig{{
		Name:    "networkmanager",
		Probe:   nmProbe,
		Backoff: backoff,
		Logger:  logger,
		OnReady: func() {
			logger.Info("NetworkManager reachable")
			refresh()
		},
		OnDown: func(err error) {
			logger.Warn("NetworkManager unreachable, serving last known state", "error", err)
			refresh()
		},
	}}
	if pub == nil {
		return checks
	}
	return append(checks, connwatch.WatcherConfig{
		Name: "mqtt",
		Probe: func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return pub.AwaitConnection(awaitCtx)
		},
		Logger:  logger,
		OnReady: refresh,
		OnDown: func(err error) {
			logger.Warn("mqtt broker unreachable", "error", err)
		},
	})
}

// dialBus adapts [nm.Dial] to the watcher's Dial signature. A failed
// dial must return a nil interface, not a typed nil *nm.Client.
func dialBus(ctx context.Context) (nm.Bus, error) {
	c, err := nm.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// runStatus lists the active connections and the devices they use.
func runStatus(ctx context.Context, stdout io.Writer, opts options) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	client, err := nm.Dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	paths, err := client.ActiveConnections(ctx)
	if err != nil {
		return fmt.Errorf("list active connections: %w", err)
	}

	type row struct {
		nm.ActiveConnection
		Interfaces []string `json:"interfaces"`
	}
	rows := make([]row, 0, len(paths))
	for _, p := range paths {
		ac, err := client.ActiveConnection(ctx, p)
		if nm.IsObjectGone(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		r := row{ActiveConnection: ac}
		for _, d := range ac.Devices {
			dev, err := client.Device(ctx, d)
			if err != nil {
				continue
			}
			r.Interfaces = append(r.Interfaces, dev.Interface)
		}
		rows = append(rows, r)
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, map[string]any{"connections": rows})
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tSTATE\tDEVICE\tDEFAULT")
	for _, r := range rows {
		def := ""
		if r.Default {
			def = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Type, r.State, strings.Join(r.Interfaces, ","), def)
	}
	return tw.Flush()
}

// runResolve prints the access points broadcasting ssid and the active
// connection NetworkManager selected for it.
func runResolve(ctx context.Context, stdout, stderr io.Writer, opts options, ssid string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	client, err := nm.Dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := resolver.New(client, newLogger(stderr, slog.LevelWarn, "text")).Resolve(ctx, ssid)
	if err != nil {
		return err
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, res)
	}
	if res.Empty() {
		fmt.Fprintf(stdout, "no access points or connections found for %q\n", ssid)
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BSSID\tDEVICE\tSIGNAL\tBAND\tSECURITY\tKNOWN\tACTIVE")
	for _, m := range res.AccessPoints {
		fmt.Fprintf(tw, "%s\t%s\t%d%%\t%s\t%s\t%s\t%s\n",
			m.AccessPoint.BSSID, m.Interface, m.AccessPoint.Strength, m.AccessPoint.Band(),
			m.Security, yesNo(m.Known), yesNo(m.Active))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(res.Selected) == 0 {
		fmt.Fprintln(stdout, "\nno active connection")
		return nil
	}
	fmt.Fprintln(stdout)
	for _, ac := range res.Selected {
		fmt.Fprintf(stdout, "connection %q (%s) %s\n", ac.ID, ac.UUID, ac.State)
	}
	return nil
}

// runNetworks prints the visible networks grouped by SSID and security.
func runNetworks(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	client, err := nm.Dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	nets, err := resolver.New(client, newLogger(stderr, slog.LevelWarn, "text")).Networks(ctx)
	if err != nil {
		return err
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, map[string]any{"networks": nets})
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SSID\tSECURITY\tSIGNAL\tAPS\tKNOWN\tACTIVE")
	for _, n := range nets {
		fmt.Fprintf(tw, "%s\t%s\t%d%%\t%d\t%s\t%s\n",
			n.SSID, n.Security, n.Strength, n.AccessPoints, yesNo(n.Known), yesNo(n.Active))
	}
	return tw.Flush()
}

// runHistory prints the most recent events from the history database.
func runHistory(ctx context.Context, stdout io.Writer, opts options, limit int) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.History.Path); err != nil {
		return fmt.Errorf("no history at %s: %w", cfg.History.Path, err)
	}

	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	evs, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}
	return printEvents(stdout, evs, opts.outputFmt)
}

// printEvents writes events oldest first in text mode, so the output
// reads like a log.
func printEvents(w io.Writer, evs []events.Event, outputFmt string) error {
	if outputFmt == "json" {
		if evs == nil {
			evs = []events.Event{}
		}
		return writeJSON(w, map[string]any{"events": evs})
	}
	for i := len(evs) - 1; i >= 0; i-- {
		e := evs[i]
		attrs := e.LogAttrs()
		var b strings.Builder
		for j := 2; j+1 < len(attrs); j += 2 {
			fmt.Fprintf(&b, " %v=%v", attrs[j], attrs[j+1])
		}
		fmt.Fprintf(w, "%s %s%s\n", e.Timestamp.Format(time.RFC3339), e.Kind, b.String())
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
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

// loadConfig locates, parses and validates the YAML configuration. An
// explicit path must exist. Without one, the default search path is
// tried and built-in defaults are used when nothing is found; the
// returned path is then empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		return config.Default(), "", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
