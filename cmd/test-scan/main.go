// Command test-scan is a manual test for device discovery.
// It prints every sighting until the timeout or Ctrl+C.
//
// Usage:
//
//	go run ./cmd/test-scan [--backend bluez|le] [--adapter hci0] [--timeout 30s]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/btchat/internal/bt"
	"github.com/chaz8081/btchat/internal/bt/lescan"
)

func main() {
	backend := flag.String("backend", defaultBackend, "discovery backend: bluez or le")
	adapter := flag.String("adapter", "hci0", "BlueZ adapter")
	service := flag.String("service", "", "LE only: report advertisers of this service UUID")
	timeout := flag.Duration("timeout", 30*time.Second, "how long to scan")
	flag.Parse()

	var disc bt.Discoverer
	switch *backend {
	case "le":
		filter := uuid.Nil
		if *service != "" {
			u, err := uuid.Parse(*service)
			if err != nil {
				fmt.Printf("Error: bad service UUID: %v\n", err)
				os.Exit(1)
			}
			filter = u
		}
		disc = lescan.New(filter)
	case "bluez":
		d, closeFn, err := openBluez(*adapter)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		defer closeFn()
		disc = d
	default:
		fmt.Printf("Error: unknown backend %q\n", *backend)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		cancel()
	}()

	reg := bt.NewRegistry(disc, nil)
	go func() {
		seen := 0
		for ds := range reg.ScannedDevices().Subscribe(ctx) {
			if len(ds) < seen {
				seen = 0
			}
			for _, d := range ds[seen:] {
				fmt.Printf("+ %s  %s\n", d.Address, d.DisplayName())
			}
			seen = len(ds)
		}
	}()

	fmt.Printf("Scanning with %s for %s. Press Ctrl+C to stop.\n", *backend, *timeout)
	if err := reg.StartDiscovery(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	<-ctx.Done()
	reg.StopDiscovery()

	devices := len(reg.ScannedDevices().Get())
	fmt.Printf("Done. %d device(s) found.\n", devices)
}
