package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/btchat/internal/chat"
	"github.com/chaz8081/btchat/internal/config"
)

// runChat runs an in-process chat on this terminal. With an address it
// dials, otherwise it waits for a peer.
func runChat(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	esp := fs.Bool("esp", false, "dial the ESP32 serial-port service")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, b, err := newChat(cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if fs.NArg() > 0 {
		refresh, done := context.WithTimeout(ctx, 5*time.Second)
		c.RefreshPaired(refresh)
		done()
		d := c.Lookup(fs.Arg(0))
		fmt.Printf("Connecting to %s...\n", d.DisplayName())
		if *esp {
			err = c.ConnectESP(d)
		} else {
			err = c.Connect(d)
		}
	} else {
		fmt.Printf("Waiting for a peer to connect to %q...\n", cfg.Bluetooth.ServiceName)
		err = c.WaitForIncoming()
	}
	if err != nil {
		return err
	}

	go printUpdates(ctx, c)

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	fmt.Println("Type a message and press Enter. /quit to exit.")
	for {
		select {
		case <-sig:
			fmt.Println("\nShutting down...")
			return nil
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if _, ok := c.Send(line); !ok {
				fmt.Println("(not connected)")
			}
		}
	}
}

// printUpdates prints state changes and messages from the peer.
func printUpdates(ctx context.Context, c *chat.Chat) {
	var (
		printed   int
		connected bool
		lastErr   string
	)
	for s := range c.State().Subscribe(ctx) {
		if s.Connected != connected {
			connected = s.Connected
			if connected {
				fmt.Println(">>> connected")
			} else {
				fmt.Println("<<< disconnected")
			}
		}
		if s.Err != "" && s.Err != lastErr {
			fmt.Printf("ERROR: %s\n", s.Err)
		}
		lastErr = s.Err

		if len(s.Messages) < printed {
			printed = 0
		}
		for _, m := range s.Messages[printed:] {
			if !m.Local {
				fmt.Printf("%s: %s\n", m.Sender, m.Text)
			}
		}
		printed = len(s.Messages)
	}
}
