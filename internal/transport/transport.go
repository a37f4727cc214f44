// Package transport owns the reliable byte-pipe collaborators underneath
// the protocol engine. A Transport carries whole frames; the engine never
// sees partial reads.
package transport

import (
	"context"
	"errors"
)

var (
	ErrClosed       = errors.New("transport: closed")
	ErrDisconnected = errors.New("transport: disconnected")
	ErrNoReconnect  = errors.New("transport: reconnect not supported")
)

// Transport is one endpoint of a reliable, frame-preserving byte pipe.
//
// SendBytes and ReceiveBytes move exactly one wire frame. Reconnect
// re-establishes a dropped link with backoff where the implementation
// supports it; server-side TCP conns return ErrNoReconnect and rely on the
// acceptor to attach a fresh connection.
type Transport interface {
	Open(ctx context.Context) error
	SendBytes(ctx context.Context, frame []byte) error
	ReceiveBytes(ctx context.Context) ([]byte, error)
	Reconnect(ctx context.Context) error
	Close() error
}
