//go:build linux

package main

import (
	"github.com/chaz8081/btchat/internal/bt/bluez"
	"github.com/chaz8081/btchat/internal/config"
)

func openBluez(cfg *config.Config) (*bluez.Client, error) {
	return bluez.New(cfg.Bluetooth.Adapter, uint16(cfg.Bluetooth.RFCOMMChannel))
}
