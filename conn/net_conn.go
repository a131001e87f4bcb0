/*
Package conn carries signed frames between daemons over TCP.
A connection is only used in one direction: the dialing node writes frames and the listening
node reads them. Outbound connections are pooled per target and reused.
*/
package conn

import (
	"bufio"
	"net"

	"github.com/hashicorp/go-msgpack/codec"
)

// NetConn is an outbound connection with its buffered msgpack encoder.
type NetConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	enc    *codec.Encoder
}

// Target returns the address the connection was dialed to.
func (n *NetConn) Target() string {
	return n.target
}

// Release closes the connection.
func (n *NetConn) Release() error {
	return n.conn.Close()
}
