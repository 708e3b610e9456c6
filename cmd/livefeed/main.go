package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sandwichfarm/livefeed/internal/config"
	"github.com/sandwichfarm/livefeed/internal/docstore"
	"github.com/sandwichfarm/livefeed/internal/features"
	"github.com/sandwichfarm/livefeed/internal/mirror"
	"github.com/sandwichfarm/livefeed/internal/nostr"
	"github.com/sandwichfarm/livefeed/internal/ops"
	"github.com/sandwichfarm/livefeed/internal/server"
	fanout "github.com/sandwichfarm/livefeed/internal/signal"
	"github.com/sandwichfarm/livefeed/internal/storage"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "manual"
)

func main() {
	// Define subcommands
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("livefeed %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		fmt.Printf("  by:     %s\n", builtBy)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("livefeed - live aggregated feeds over a realtime document store")
		fmt.Println()
		fmt.Println("No configuration file specified. Use --config <path> to specify config.")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  livefeed init              Generate example configuration")
		fmt.Println("  livefeed --version         Show version information")
		fmt.Println("  livefeed --config <path>   Start with configuration file")
		os.Exit(1)
	}

	// Load and validate configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Run the application
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := ops.NewLogger(&cfg.Logging)
	ops.SetDefault(logger)
	logger.LogStartup(version, commit, map[string]interface{}{
		"storage": cfg.Storage.Driver,
		"server":  cfg.Server.Addr(),
		"signal":  cfg.Signal.Enabled,
	})

	// Initialize the document store
	var (
		store docstore.Store
		relay http.Handler
	)
	switch cfg.Storage.Driver {
	case "relays":
		client, err := nostr.New(ctx, &cfg.Relays, cfg.Identity.NodeKey, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize relay client: %w", err)
		}
		defer client.Close()

		reachable := 0
		for _, status := range client.CheckRelays(ctx) {
			if status.Reachable {
				reachable++
			}
		}
		if reachable == 0 {
			logger.Warn("no seed relay answered the capability check; subscriptions may stay empty")
		}
		store = client
	default:
		st, err := storage.New(ctx, &cfg.Storage,
			storage.WithSecretKey(cfg.Identity.NodeKey),
			storage.WithLogger(logger.WithComponent("storage")))
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer st.Close()
		store = st
		relay = st.Relay()

		if cfg.Relays.Mirror {
			client, err := nostr.New(ctx, &cfg.Relays, cfg.Identity.NodeKey, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize relay client: %w", err)
			}
			defer client.Close()

			m := mirror.New(st, client, logger)
			if err := m.Start(ctx); err != nil {
				return fmt.Errorf("failed to start mirror: %w", err)
			}
			defer m.Stop()
			logger.Info("mirroring documents", "relays", client.GetSeedRelays())
		}
	}
	logger.Info("document store ready", "driver", cfg.Storage.Driver)

	// Live urgency threshold
	threshold, err := features.WatchThreshold(ctx, store, cfg.Feed.UrgentAfter(), logger)
	if err != nil {
		return err
	}
	defer threshold.Close()

	opts := []server.RegistryOption{
		server.WithThreshold(threshold),
		server.WithRegistryLogger(logger),
	}

	// Optional redis fan-out
	if cfg.Signal.Enabled {
		publisher, err := fanout.New(ctx, &cfg.Signal, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize signal publisher: %w", err)
		}
		defer publisher.Close()
		opts = append(opts, server.WithPublisher(publisher))
		logger.Info("signal publisher ready", "prefix", cfg.Signal.ChannelPrefix)
	}

	registry := server.NewRegistry(ctx, store, cfg.Feed, opts...)
	if err := registry.Start(); err != nil {
		return err
	}
	defer registry.Close()

	if !cfg.Server.Enabled {
		return fmt.Errorf("no servers enabled")
	}

	httpServer := server.New(&cfg.Server, registry, features.NewWriter(store), relay, logger)
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	fmt.Println()
	fmt.Println("✓ All services started successfully!")
	fmt.Println()
	fmt.Println("Press Ctrl+C to shutdown gracefully...")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.LogShutdown(sig.String())

	if err := httpServer.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}

	// Write to stdout
	fmt.Print(string(exampleConfig))
}
