//go:build !linux

package main

import (
	"errors"

	"github.com/chaz8081/btchat/internal/bt"
	"github.com/chaz8081/btchat/internal/config"
)

// bluezClient is never constructed off Linux.
type bluezClient interface {
	bt.Discoverer
	bt.BondRegistry
	bt.Transport
	Close() error
}

func openBluez(*config.Config) (bluezClient, error) {
	return nil, errors.New("bluez backends need Linux; set bluetooth.discovery: le and bluetooth.transport: serial")
}
