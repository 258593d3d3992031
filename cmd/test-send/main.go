// Command test-send is a manual test for one chat session.
// It connects to a peer, sends one line, then prints replies.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-send --addr AA:BB:CC:DD:EE:FF [--channel 1] [--text hello]
//	go run ./cmd/test-send --port /dev/rfcomm0 [--baud 115200] [--text hello]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/btchat/internal/bt"
	"github.com/chaz8081/btchat/internal/bt/rfcomm"
	"github.com/chaz8081/btchat/internal/bt/serialport"
)

func main() {
	addr := flag.String("addr", "", "peer Bluetooth address (rfcomm transport)")
	channel := flag.Uint("channel", rfcomm.DefaultChannel, "RFCOMM channel")
	port := flag.String("port", "", "serial device bound to the peer (serial transport)")
	baud := flag.Int("baud", serialport.DefaultBaud, "serial baud rate")
	name := flag.String("name", "Phone", "sender name")
	text := flag.String("text", "Hello from btchat!", "line to send")
	flag.Parse()

	var tr bt.Transport
	switch {
	case *port != "":
		tr = serialport.New(*port, *baud)
	case *addr != "":
		tr = rfcomm.New(uint8(*channel))
	default:
		fmt.Println("Error: --addr or --port is required")
		os.Exit(2)
	}

	s := bt.NewSession(tr, bt.SessionOptions{
		Service:   bt.SerialPortUUID,
		LocalName: *name,
		Malformed: bt.RawMalformed,
	})
	events, err := s.ConnectAsClient(bt.Device{Address: *addr})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		s.Close()
	}()

	fmt.Println("Connecting...")
	for r := range events {
		switch r.Kind {
		case bt.ConnectionEstablished:
			fmt.Println(">>> connected")
			m, err := s.Send(*text)
			if err != nil {
				fmt.Printf("Error: send: %v\n", err)
				continue
			}
			fmt.Printf("%s: %s\n", m.Sender, m.Text)
		case bt.TransferSucceeded:
			fmt.Printf("%s: %s\n", r.Message.Sender, r.Message.Text)
		case bt.ConnectionError:
			fmt.Printf("<<< %v\n", r.Err)
		}
	}
	fmt.Println("Done.")
}
