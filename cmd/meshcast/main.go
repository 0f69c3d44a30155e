// Command meshcast runs a single overlay node: it loads (or creates) a
// config file, brings up the Peer Core and its extensions, and blocks until
// interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/petervdpas/meshcast/internal/config"
	"github.com/petervdpas/meshcast/internal/node"
)

var (
	cfgPath = flag.String("config", "meshcast.json", "path to the node config file")
	version = flag.Bool("version", false, "show version")
)

var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("meshcast v%s\n", appVersion)
		return
	}

	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if created {
		log.Printf("wrote default config to %s", *cfgPath)
	}

	printBanner(*cfgPath, cfg)

	n, err := node.New(cfg)
	if err != nil {
		log.Fatalf("build node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down gracefully...")
		cancel()
	}()

	if err := n.Run(ctx); err != nil {
		log.Fatalf("node stopped: %v", err)
	}
}

func printBanner(cfgPath string, cfg config.Config) {
	fmt.Println("meshcast node")
	fmt.Printf("config:     %s\n", cfgPath)
	fmt.Printf("transport:  %s\n", cfg.Overlay.Transport)
	if cfg.Signal.RendezvousURL != "" {
		fmt.Printf("rendezvous: %s\n", cfg.Signal.RendezvousURL)
	}
	if cfg.Signal.RendezvousHost {
		fmt.Printf("rendezvous host listening on %s\n", cfg.Signal.RendezvousListenAddr)
	}
	fmt.Println("press ctrl+c to stop")
	fmt.Println()
}
