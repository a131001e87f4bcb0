package conn

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// StreamLayer is the low level stream abstraction under a NetworkTransport.
type StreamLayer interface {
	net.Listener

	// Dial creates a new outgoing connection.
	Dial(address string, timeout time.Duration) (net.Conn, error)
}

// TCPStreamLayer implements StreamLayer over plain TCP.
type TCPStreamLayer struct {
	listener *net.TCPListener
}

// Dial implements StreamLayer.
func (t *TCPStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

// Accept implements net.Listener.
func (t *TCPStreamLayer) Accept() (net.Conn, error) {
	return t.listener.Accept()
}

// Close implements net.Listener.
func (t *TCPStreamLayer) Close() error {
	return t.listener.Close()
}

// Addr implements net.Listener.
func (t *TCPStreamLayer) Addr() net.Addr {
	return t.listener.Addr()
}

// NewTCPTransport binds bindAddr and returns a NetworkTransport listening on it.
func NewTCPTransport(bindAddr string, config *NetworkTransportConfig) (*NetworkTransport, error) {
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", bindAddr)
	}
	config.Stream = &TCPStreamLayer{listener: list.(*net.TCPListener)}
	return NewNetworkTransportWithConfig(config), nil
}
