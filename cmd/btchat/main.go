// Command btchat is a Bluetooth RFCOMM chat for phones and ESP32 boards.
//
// Usage:
//
//	btchat [-config path] daemon
//	btchat [-config path] chat
//	btchat [-config path] <status|devices|scan|connect|listen|send|disconnect> [args]
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/chaz8081/btchat/internal/config"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: btchat [-config path] <command> [args]

Commands:
  daemon                 run the chat daemon
  chat [address] [-esp]  interactive chat in this terminal
  status                 show connection state
  devices                list scanned and paired devices
  scan [start|stop]      control discovery (default: start)
  connect [-esp] ADDR    connect to a device
  listen                 wait for an incoming connection
  send TEXT...           send one line
  disconnect             drop the connection
`)
	flag.PrintDefaults()
}

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/btchat/config.yaml)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	switch cmd {
	case "daemon":
		printBanner(cfg)
		err = runDaemon(cfg)
	case "chat":
		err = runChat(cfg, args)
	case "status", "devices", "scan", "connect", "listen", "send", "disconnect":
		err = runClient(cfg, cmd, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or writes and uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	// No config file, write one so there is something to edit
	written, err := config.WriteDefault()
	if err != nil {
		log.Printf("No config file found, using defaults (%v)", err)
	} else if written != "" {
		log.Printf("Wrote default config to %s", written)
	}
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	b := cfg.Bluetooth
	fmt.Println("=== btchat ===")
	fmt.Printf("  Name:       %s\n", cfg.DeviceName)
	fmt.Printf("  Adapter:    %s\n", b.Adapter)
	fmt.Printf("  Discovery:  %s\n", b.Discovery)
	switch b.Transport {
	case "serial":
		fmt.Printf("  Transport:  serial (%s @ %d)\n", b.SerialPort, b.BaudRate)
	case "rfcomm":
		fmt.Printf("  Transport:  rfcomm (channel %d)\n", b.RFCOMMChannel)
	default:
		fmt.Printf("  Transport:  %s\n", b.Transport)
	}
	fmt.Printf("  Service:    %s (%s)\n", b.ServiceName, b.ServiceUUID)
	fmt.Printf("  ESP32:      %s\n", b.ESPUUID)
	fmt.Printf("  Malformed:  %s\n", cfg.Chat.Malformed)
	fmt.Printf("  Socket:     %s\n", cfg.Daemon.SocketPath)
	fmt.Printf("  Log:        %s\n", cfg.LogLevel)
	fmt.Println("==============")
}
