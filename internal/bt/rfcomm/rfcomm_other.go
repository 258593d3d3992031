//go:build !linux

package rfcomm

import (
	"context"

	"github.com/google/uuid"

	"github.com/chaz8081/btchat/internal/bt"
)

func (t *Transport) Dial(ctx context.Context, address string, service uuid.UUID) (bt.Conn, error) {
	if _, err := parseMAC(address); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

func (t *Transport) Listen(ctx context.Context, name string, service uuid.UUID) (bt.Listener, error) {
	return nil, ErrUnsupported
}
