package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pgrouter/pgrouter/internal/api"
	"github.com/pgrouter/pgrouter/internal/config"
	"github.com/pgrouter/pgrouter/internal/metrics"
	"github.com/pgrouter/pgrouter/internal/proxy"
	"github.com/pgrouter/pgrouter/internal/registry"
)

func main() {
	configPath := flag.String("config", "configs/pgrouter.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("pgrouter starting...")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s (%d targets)", *configPath, len(cfg.Targets))

	// Initialize components
	m := metrics.New()
	reg := registry.New(cfg)
	mon := registry.NewMonitor(reg, m, cfg.HealthCheck)

	// Start health monitoring
	mon.Start()

	// Start proxy server
	proxyServer, err := proxy.NewServer(cfg, reg, mon, m)
	if err != nil {
		log.Fatalf("Failed to build proxy server: %v", err)
	}
	if err := proxyServer.Listen(); err != nil {
		log.Fatalf("Failed to start proxy: %v", err)
	}

	// Start REST API
	apiServer := api.NewServer(reg, mon, m, proxyServer, cfg.Listen)
	if err := apiServer.Start(); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	// Set up config hot-reload
	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("Reloading configuration...")
		reg.Reload(newCfg)
		proxyServer.UpdateConfig(newCfg)
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("pgrouter ready - proxy:%d API:%d targets:%d",
		cfg.Listen.Port, cfg.Listen.APIPort, len(cfg.Targets))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	// Graceful shutdown
	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	proxyServer.Stop()
	mon.Stop()

	log.Printf("pgrouter stopped")
}
