package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/chaz8081/btchat/internal/api"
	"github.com/chaz8081/btchat/internal/config"
)

const shutdownTimeout = 5 * time.Second

// runDaemon serves the control API until SIGINT or SIGTERM.
func runDaemon(cfg *config.Config) error {
	c, b, err := newChat(cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	defer c.Close()

	// Load the bonded list once so /devices is useful right away.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := c.RefreshPaired(ctx); err != nil {
		log.Printf("WARNING: reading paired devices: %v", err)
	}
	cancel()

	ln, err := api.ListenUnix(cfg.Daemon.SocketPath)
	if err != nil {
		return err
	}
	defer os.Remove(cfg.Daemon.SocketPath)

	srv := &http.Server{
		Handler:           api.NewHandler(c).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Printf("WARNING: systemd notify: %v", err)
	} else if ok {
		log.Println("Notified systemd")
	}
	log.Printf("Ready! Listening on %s. Ctrl+C to quit.", cfg.Daemon.SocketPath)

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down...", sig)
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("WARNING: shutdown: %v", err)
	}
	log.Println("Goodbye!")
	return nil
}
