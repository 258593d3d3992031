//go:build !linux

package main

import (
	"errors"

	"github.com/chaz8081/btchat/internal/bt"
)

const defaultBackend = "le"

func openBluez(string) (bt.Discoverer, func() error, error) {
	return nil, nil, errors.New("the bluez backend needs Linux")
}
