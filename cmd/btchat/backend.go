package main

import (
	"context"
	"fmt"
	"io"

	"github.com/chaz8081/btchat/internal/bt"
	"github.com/chaz8081/btchat/internal/bt/lescan"
	"github.com/chaz8081/btchat/internal/bt/rfcomm"
	"github.com/chaz8081/btchat/internal/bt/serialport"
	"github.com/chaz8081/btchat/internal/chat"
	"github.com/chaz8081/btchat/internal/config"
)

// backends are the platform collaborators selected by config.
type backends struct {
	disc   bt.Discoverer
	bonds  bt.BondRegistry
	tr     bt.Transport
	closer io.Closer // shared platform handle, may be nil
}

func (b *backends) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// noBonds is the bond registry for hosts without BlueZ.
type noBonds struct{}

func (noBonds) BondedDevices(context.Context) ([]bt.Device, error) { return nil, nil }

func buildBackends(cfg *config.Config) (*backends, error) {
	b := &backends{bonds: noBonds{}}
	needBluez := cfg.Bluetooth.Transport == "bluez" || cfg.Bluetooth.Discovery == "bluez"
	if needBluez {
		client, err := openBluez(cfg)
		if err != nil {
			return nil, err
		}
		b.closer = client
		b.bonds = client
		if cfg.Bluetooth.Discovery == "bluez" {
			b.disc = client
		}
		if cfg.Bluetooth.Transport == "bluez" {
			b.tr = client
		}
	}

	if cfg.Bluetooth.Discovery == "le" {
		filter, err := cfg.Bluetooth.LEFilter()
		if err != nil {
			b.Close()
			return nil, err
		}
		b.disc = lescan.New(filter)
	}

	switch cfg.Bluetooth.Transport {
	case "rfcomm":
		b.tr = rfcomm.New(uint8(cfg.Bluetooth.RFCOMMChannel))
	case "serial":
		b.tr = serialport.New(cfg.Bluetooth.SerialPort, cfg.Bluetooth.BaudRate)
	}

	if b.disc == nil || b.tr == nil {
		b.Close()
		return nil, fmt.Errorf("no backend for discovery %q with transport %q", cfg.Bluetooth.Discovery, cfg.Bluetooth.Transport)
	}
	return b, nil
}

// controllerOptions maps config onto the core's options.
func controllerOptions(cfg *config.Config) (bt.ControllerOptions, error) {
	chatUUID, espUUID, err := cfg.Bluetooth.UUIDs()
	if err != nil {
		return bt.ControllerOptions{}, err
	}
	policy, err := bt.ParseMalformedPolicy(cfg.Chat.Malformed)
	if err != nil {
		return bt.ControllerOptions{}, err
	}
	return bt.ControllerOptions{
		LocalName:      cfg.DeviceName,
		ServiceUUID:    chatUUID,
		ESPServiceUUID: espUUID,
		ServiceName:    cfg.Bluetooth.ServiceName,
		Malformed:      policy,
		MaxFrameBytes:  cfg.Chat.MaxFrameBytes,
		EventBuffer:    cfg.Chat.EventBuffer,
	}, nil
}

// newChat builds the whole in-process stack. Closing the returned chat
// releases the controller. The caller closes the backends afterwards.
func newChat(cfg *config.Config) (*chat.Chat, *backends, error) {
	b, err := buildBackends(cfg)
	if err != nil {
		return nil, nil, err
	}
	opts, err := controllerOptions(cfg)
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	ctrl, err := bt.NewController(bt.NewRegistry(b.disc, b.bonds), b.tr, opts)
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	return chat.New(ctrl), b, nil
}
