//go:build linux

package main

import (
	"github.com/chaz8081/btchat/internal/bt"
	"github.com/chaz8081/btchat/internal/bt/bluez"
)

const defaultBackend = "bluez"

func openBluez(adapter string) (bt.Discoverer, func() error, error) {
	c, err := bluez.New(adapter, 0)
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}
