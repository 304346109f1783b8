package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/api"
	"github.com/SimplyPrint/pcsc-agent/internal/config"
	"github.com/SimplyPrint/pcsc-agent/internal/core"
	"github.com/SimplyPrint/pcsc-agent/internal/logging"
	"github.com/SimplyPrint/pcsc-agent/internal/service"
	"github.com/SimplyPrint/pcsc-agent/internal/settings"
	"github.com/SimplyPrint/pcsc-agent/internal/tray"
	"github.com/SimplyPrint/pcsc-agent/internal/welcome"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	noTrayFlag := flag.Bool("no-tray", false, "Run without system tray (headless mode)")
	verboseFlag := flag.Bool("verbose", false, "Trace every APDU exchanged with the card")

	flag.Usage = usage
	flag.Parse()

	if *versionFlag {
		printVersion()
		return
	}

	cfg := config.Load()
	if *verboseFlag {
		cfg.Verbose = true
		cfg.LogLevel = logging.LevelDebug
	}

	args := flag.Args()
	if len(args) == 0 {
		run(cfg, *noTrayFlag)
		return
	}

	switch args[0] {
	case "version":
		printVersion()
	case "install":
		if err := service.New().Install(); err != nil {
			log.Fatalf("Failed to install service: %v", err)
		}
		fmt.Println("Auto-start service installed successfully")
	case "uninstall":
		if err := service.New().Uninstall(); err != nil {
			log.Fatalf("Failed to uninstall service: %v", err)
		}
		fmt.Println("Auto-start service removed successfully")
	default:
		// stdout belongs to the command; logs go to stderr only when verbose.
		logging.Init(1000, cfg.LogLevel)
		if cfg.Verbose {
			logging.SetOutput(os.Stderr)
		}

		ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
		defer stop()

		c := newCLI(cfg, core.DefaultContextFactory{}, os.Stdout)
		if err := c.run(ctx, args); err != nil {
			if errors.Is(err, errUnknownCommand) {
				fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
				flag.Usage()
				os.Exit(2)
			}
			fmt.Fprintf(os.Stderr, "pcsc-agent %s: %v\n", args[0], err)
			os.Exit(1)
		}
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "PC/SC Agent - Local smart card reader service\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  pcsc-agent [flags]\n")
	fmt.Fprintf(os.Stderr, "  pcsc-agent [flags] <command> [command flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  readers     List connected readers\n")
	fmt.Fprintf(os.Stderr, "  uid         Print the card type and UID\n")
	fmt.Fprintf(os.Stderr, "  read        Read blocks of a sector\n")
	fmt.Fprintf(os.Stderr, "  write       Write blocks of a sector\n")
	fmt.Fprintf(os.Stderr, "  trailer     Write a MIFARE Classic sector trailer\n")
	fmt.Fprintf(os.Stderr, "  dump        Save a card image (CBOR, or JSON with a .json name)\n")
	fmt.Fprintf(os.Stderr, "  monitor     Print card insertions and removals\n")
	fmt.Fprintf(os.Stderr, "  install     Install auto-start service\n")
	fmt.Fprintf(os.Stderr, "  uninstall   Remove auto-start service\n")
	fmt.Fprintf(os.Stderr, "  version     Print version information\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
	fmt.Fprintf(os.Stderr, "  PCSC_AGENT_PORT     Port to listen on (default: %d)\n", config.DefaultPort)
	fmt.Fprintf(os.Stderr, "  PCSC_AGENT_HOST     Host to bind to (default: %s)\n", config.DefaultHost)
	fmt.Fprintf(os.Stderr, "  PCSC_AGENT_READER   Reader name filter (default: first reader)\n")
	fmt.Fprintf(os.Stderr, "  PCSC_AGENT_TIMEOUT  Reader wait in seconds, 0 waits forever (default: 60)\n")
	fmt.Fprintf(os.Stderr, "  PCSC_AGENT_VERBOSE  Trace APDUs to stderr\n")
}

func printVersion() {
	fmt.Printf("pcsc-agent %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}

// sessionOptions combines the environment configuration with the persisted
// user defaults.
func sessionOptions(cfg *config.Config) []core.Option {
	opts := cfg.SessionOptions()
	if keyHex := settings.Get().DefaultKey; keyHex != "" {
		key, err := core.ParseKey(keyHex, core.KeyA)
		if err != nil {
			logging.Warn(logging.CatSystem, "Ignoring invalid default key in settings", map[string]any{
				"error": err.Error(),
			})
		} else {
			key.Name = "settings"
			opts = append(opts, core.WithDefaults(core.Defaults{Key: key}))
		}
	}
	return opts
}

// readerFilter returns the configured reader, falling back to the settings.
func readerFilter(cfg *config.Config) string {
	if cfg.Reader != "" {
		return cfg.Reader
	}
	return settings.Get().DefaultReader
}

func run(cfg *config.Config, headless bool) {
	logging.Init(1000, cfg.LogLevel)
	logging.Info(logging.CatSystem, "PC/SC Agent starting", map[string]any{
		"version": api.Version,
	})

	if logging.InitSentry(api.Version, settings.IsCrashReportingEnabled()) {
		defer logging.FlushSentry(2 * time.Second)
	}

	sessions := api.NewSessions(core.DefaultContextFactory{}, sessionOptions(cfg)...)
	logging.SetCrashContext(sessions.Snapshot)
	mux := api.NewMux(sessions)
	mux.HandleFunc("/v1/ws", api.InitWebSocket(sessions))

	addr := cfg.Address()
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()
	api.SetShutdownHandler(stop)

	startServer := func() {
		defer logging.RecoverAndLog("HTTP server", true)

		log.Printf("pcsc-agent %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": addr,
		})

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}

	useTray := !headless && tray.IsSupported()
	if useTray {
		log.Println("Starting with system tray...")

		if welcome.IsFirstRun() {
			go func() {
				defer logging.RecoverAndLog("first run", false)
				install := func() error { return service.New().Install() }
				if err := welcome.FirstRun(addr, install); err != nil {
					logging.Warn(logging.CatSystem, "First-run setup incomplete", map[string]any{
						"error": err.Error(),
					})
				}
			}()
		}

		trayApp := tray.New(addr, sessions, stop)
		go func() {
			<-ctx.Done()
			trayApp.Quit()
		}()

		// Blocks on the main thread until quit (required for macOS Cocoa)
		trayApp.RunWithServer(startServer)
	} else {
		if headless {
			log.Println("Running in headless mode (no system tray)")
		} else {
			log.Println("System tray not supported on this platform, running headless")
		}
		go startServer()
		<-ctx.Done()
	}

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn(logging.CatSystem, "HTTP shutdown incomplete", map[string]any{"error": err.Error()})
	}
	api.ShutdownWebSocket()
	if err := sessions.Close(); err != nil {
		logging.Warn(logging.CatSystem, "Closing reader sessions failed", map[string]any{"error": err.Error()})
	}
	logging.Info(logging.CatSystem, "PC/SC Agent stopped", nil)
}
