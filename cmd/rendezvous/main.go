// Command rendezvous runs a standalone bootstrap/relay service, without any
// of the overlay node's own transport or media machinery.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/petervdpas/meshcast/internal/rendezvous"
)

var (
	addr   = flag.String("addr", "0.0.0.0:8787", "listen address")
	dbPath = flag.String("db", "rendezvous.db", "sqlite database path (empty disables persistence)")
)

func main() {
	flag.Parse()

	srv := rendezvous.New(*addr, *dbPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down gracefully...")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("start rendezvous server: %v", err)
	}

	log.Printf("rendezvous listening on %s", *addr)
	<-ctx.Done()
}
