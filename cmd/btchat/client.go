package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/chaz8081/btchat/internal/api"
	"github.com/chaz8081/btchat/internal/config"
)

const clientTimeout = 15 * time.Second

// runClient runs one subcommand against the daemon socket.
func runClient(cfg *config.Config, cmd string, args []string) error {
	c := api.NewClient(cfg.Daemon.SocketPath)
	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()

	if err := c.Health(ctx); err != nil {
		var se *api.StatusError
		if errors.As(err, &se) {
			return err
		}
		return fmt.Errorf("daemon not reachable at %s (is `btchat daemon` running?): %w", cfg.Daemon.SocketPath, err)
	}

	switch cmd {
	case "status":
		s, err := c.State(ctx)
		if err != nil {
			return err
		}
		printState(s)

	case "devices":
		d, err := c.Devices(ctx)
		if err != nil {
			return err
		}
		printDevices("Paired", d.Paired)
		printDevices("Scanned", d.Scanned)

	case "scan":
		action := "start"
		if len(args) > 0 {
			action = args[0]
		}
		switch action {
		case "start":
			if err := c.StartScan(ctx); err != nil {
				return err
			}
			fmt.Println("Scanning. Run `btchat devices` to see results.")
		case "stop":
			if err := c.StopScan(ctx); err != nil {
				return err
			}
			fmt.Println("Scan stopped.")
		default:
			return fmt.Errorf("scan: unknown action %q (want start or stop)", action)
		}

	case "connect":
		fs := flag.NewFlagSet("connect", flag.ContinueOnError)
		esp := fs.Bool("esp", false, "dial the ESP32 serial-port service")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errors.New("usage: btchat connect [-esp] ADDRESS")
		}
		if err := c.Connect(ctx, fs.Arg(0), *esp); err != nil {
			return err
		}
		fmt.Printf("Connecting to %s...\n", fs.Arg(0))

	case "listen":
		if err := c.Listen(ctx); err != nil {
			return err
		}
		fmt.Println("Waiting for an incoming connection...")

	case "send":
		if len(args) == 0 {
			return errors.New("usage: btchat send TEXT...")
		}
		m, err := c.Send(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", m.Sender, m.Text)

	case "disconnect":
		if err := c.Disconnect(ctx); err != nil {
			return err
		}
		fmt.Println("Disconnected.")
	}
	return nil
}

func printState(s *api.StateResponse) {
	switch {
	case s.Connected:
		fmt.Println("State:    connected")
	case s.Connecting:
		fmt.Println("State:    connecting")
	default:
		fmt.Println("State:    idle")
	}
	if s.Error != "" {
		fmt.Printf("Error:    %s\n", s.Error)
	}
	fmt.Printf("Devices:  %d paired, %d scanned\n", len(s.Paired), len(s.Scanned))
	if len(s.Messages) > 0 {
		fmt.Println("Messages:")
		for _, m := range s.Messages {
			fmt.Printf("  %s: %s\n", m.Sender, m.Text)
		}
	}
}

func printDevices(title string, ds []api.Device) {
	fmt.Printf("%s (%d):\n", title, len(ds))
	for _, d := range ds {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("  %s  %-20s %s\n", d.Address, name, d.Bond)
	}
}
