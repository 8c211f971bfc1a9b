// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"histex/internal/config"
	"histex/internal/database"
	"histex/internal/history"
	"histex/internal/httpapi"
	"histex/internal/logging"
	"histex/internal/origin"
	"histex/internal/pathguard"
	"histex/internal/probe"
	"histex/internal/websocket"
)

// rpcExcluded are App methods not callable over the websocket
var rpcExcluded = []string{"SetBroadcaster", "Shutdown", "ExportBundle", "ReadContent"}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		port       int
		host       string
		configPath string
		workers    int
		logLevel   string
		noWatch    bool
		findOnly   bool
	)

	flagSet := pflag.NewFlagSet("histex", pflag.ContinueOnError)
	flagSet.IntVarP(&port, "port", "p", config.DefaultPort, "port to listen on (0 picks a free port)")
	flagSet.StringVar(&host, "host", "127.0.0.1", "interface to listen on")
	flagSet.StringVarP(&configPath, "config", "c", "", "settings file (default: ~/.histex/config.toml)")
	flagSet.IntVarP(&workers, "workers", "w", history.DefaultWorkers, "concurrent folder scans and reads")
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flagSet.BoolVar(&noWatch, "no-watch", false, "do not watch history roots for changes")
	flagSet.BoolVar(&findOnly, "find", false, "print history roots found on this machine and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	cfg, err := config.LoadFrom(home, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Explicit flags win over the settings file and environment
	settings := cfg.Settings
	if flagSet.Changed("port") {
		settings.Port = port
	}
	if flagSet.Changed("workers") {
		settings.Workers = workers
	}
	if flagSet.Changed("log-level") {
		settings.LogLevel = logLevel
	}
	if noWatch {
		settings.Watch = false
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	if findOnly {
		for _, root := range probe.Find(home, settings.CandidateRoots) {
			fmt.Println(root)
		}
		return nil
	}

	logger, logCloser, err := logging.Open(cfg.LogDir, settings.LogLevel)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	guard, err := pathguard.New(home)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Warn("database unavailable, runs will not be recorded", "path", cfg.DatabasePath, "err", err)
		db = nil
	}

	app := NewApp(cfg, guard, db, logger)
	origins := origin.New(settings.AllowedOrigins)
	server := websocket.NewServer(
		websocket.NewRouter(app, rpcExcluded...),
		httpapi.New(app, origins, logger),
		settings.AuthKey,
		origins,
		logger,
	)
	app.SetBroadcaster(server)

	bound, err := server.Start(net.JoinHostPort(host, strconv.Itoa(settings.Port)))
	if err != nil {
		app.Shutdown(context.Background())
		return err
	}
	logger.Info("histex ready", "port", bound, "home", guard.Home(), "workers", settings.Workers, "watch", settings.Watch)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "err", err)
	}
	app.Shutdown(shutdownCtx)
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `histex serves an editor's local history store over HTTP and websocket.

Every request names the history root explicitly (basePath); roots must lie
inside your home directory. Use --find to list roots present on this machine.

Usage:
  histex [flags]

Flags:
%s`, flagSet.FlagUsages())
}
