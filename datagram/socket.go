package datagram

import (
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout is returned by Socket.ReadFrom when nothing arrived in time.
var ErrTimeout = errors.New("datagram: read timeout")

// Socket sends and receives whole frames. Delivery is best effort: frames
// may be lost, duplicated or reordered.
type Socket interface {
	// WriteTo sends one frame to an endpoint address.
	WriteTo(b []byte, addr string) error
	// ReadFrom receives one frame into b, waiting at most timeout.
	ReadFrom(b []byte, timeout time.Duration) (n int, from string, err error)
	// LocalAddr returns the endpoint address the socket is bound to.
	LocalAddr() string
	Close() error
}

// Network creates sockets for one datagram transport.
type Network interface {
	// Listen binds a socket to an endpoint address. A port of 0 binds any
	// free port.
	Listen(addr string) (Socket, error)
	// Address proposes the address for a new local endpoint.
	Address(node string, mailbox uint16) string
}
