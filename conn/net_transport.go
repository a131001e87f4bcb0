package conn

import (
	"bufio"
	"context"
	"io"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
)

// ErrTransportShutdown is returned once the transport has been closed.
var ErrTransportShutdown = errors.New("transport shutdown")

// Frame is a decoded inbound frame: the tag, the message and the sender's ED25519 signature.
type Frame struct {
	Tag uint8
	Msg interface{}
	Sig []byte
}

/*
NetworkTransport exchanges frames with peer daemons over a StreamLayer.

Every frame is a tag byte selecting the registered message type, followed by the
msgpack-encoded message and the msgpack-encoded signature.
*/
type NetworkTransport struct {
	connPool     map[string][]*NetConn
	connPoolLock sync.Mutex
	maxPool      int

	frameCh chan Frame

	types map[uint8]reflect.Type

	logger hclog.Logger

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	streamCtx    context.Context
	streamCancel context.CancelFunc

	timeout time.Duration
}

// NetworkTransportConfig configures a NetworkTransport.
type NetworkTransportConfig struct {
	// MaxPool is the number of idle connections kept per target.
	MaxPool int

	// Types maps a frame tag to the message type decoded for it.
	Types map[uint8]reflect.Type

	Logger hclog.Logger

	Stream StreamLayer

	// Timeout bounds dialing.
	Timeout time.Duration

	// Backlog is the capacity of the inbound frame channel.
	Backlog int
}

// NewNetworkTransportWithConfig creates a transport and starts accepting connections.
func NewNetworkTransportWithConfig(config *NetworkTransportConfig) *NetworkTransport {
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "blockrelay-net",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	backlog := config.Backlog
	if backlog <= 0 {
		backlog = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	trans := &NetworkTransport{
		connPool:     make(map[string][]*NetConn),
		maxPool:      config.MaxPool,
		frameCh:      make(chan Frame, backlog),
		types:        config.Types,
		logger:       config.Logger,
		shutdownCh:   make(chan struct{}),
		stream:       config.Stream,
		streamCtx:    ctx,
		streamCancel: cancel,
		timeout:      config.Timeout,
	}
	go trans.listen()
	return trans
}

// Frames delivers every decoded inbound frame.
func (n *NetworkTransport) Frames() <-chan Frame {
	return n.frameCh
}

// LocalAddr returns the listening address.
func (n *NetworkTransport) LocalAddr() string {
	return n.stream.Addr().String()
}

// IsShutdown reports whether Close has been called.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Close stops the listener, the inbound handlers and releases pooled connections.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()
	if n.shutdown {
		return nil
	}
	close(n.shutdownCh)
	n.streamCancel()
	n.shutdown = true
	err := n.stream.Close()

	n.connPoolLock.Lock()
	for target, conns := range n.connPool {
		for _, c := range conns {
			_ = c.Release()
		}
		delete(n.connPool, target)
	}
	n.connPoolLock.Unlock()
	return err
}

func (n *NetworkTransport) listen() {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	var loopDelay time.Duration
	for {
		conn, err := n.stream.Accept()
		if err != nil {
			if n.IsShutdown() {
				return
			}
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}
			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}
			n.logger.Error("failed to accept connection", "error", err)
			select {
			case <-n.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		loopDelay = 0
		n.logger.Debug("accepted connection", "local-address", n.LocalAddr(), "remote-address", conn.RemoteAddr().String())
		go n.handleConn(n.streamCtx, conn)
	}
}

func (n *NetworkTransport) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	r := bufio.NewReader(conn)
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})
	for {
		frame, err := n.readFrame(r, dec)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				n.logger.Error("failed to decode inbound frame", "error", err)
			}
			return
		}
		select {
		case n.frameCh <- frame:
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *NetworkTransport) readFrame(r *bufio.Reader, dec *codec.Decoder) (Frame, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	typ, ok := n.types[tag]
	if !ok {
		return Frame{}, errors.Errorf("unknown frame tag %d", tag)
	}
	body := reflect.New(typ)
	if err := dec.Decode(body.Interface()); err != nil {
		return Frame{}, errors.Wrapf(err, "decode frame %d", tag)
	}
	var sig []byte
	if err := dec.Decode(&sig); err != nil {
		return Frame{}, errors.Wrapf(err, "decode signature of frame %d", tag)
	}
	return Frame{Tag: tag, Msg: body.Elem().Interface(), Sig: sig}, nil
}

func (n *NetworkTransport) dialConn(target string) (*NetConn, error) {
	conn, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}
	netC := &NetConn{
		target: target,
		conn:   conn,
		w:      bufio.NewWriter(conn),
	}
	netC.enc = codec.NewEncoder(netC.w, &codec.MsgpackHandle{})
	return netC, nil
}

// GetConn returns an idle pooled connection to target or dials a new one.
func (n *NetworkTransport) GetConn(target string) (*NetConn, error) {
	if n.IsShutdown() {
		return nil, ErrTransportShutdown
	}
	n.connPoolLock.Lock()
	conns := n.connPool[target]
	if num := len(conns); num > 0 {
		netC := conns[num-1]
		conns[num-1] = nil
		n.connPool[target] = conns[:num-1]
		n.connPoolLock.Unlock()
		return netC, nil
	}
	n.connPoolLock.Unlock()
	return n.dialConn(target)
}

// ReturnConn puts a healthy connection back into the pool, or closes it when the pool is full.
func (n *NetworkTransport) ReturnConn(netC *NetConn) error {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()
	conns := n.connPool[netC.target]
	if !n.IsShutdown() && len(conns) < n.maxPool {
		n.connPool[netC.target] = append(conns, netC)
		return nil
	}
	return netC.Release()
}

// Send writes one frame to target over a pooled connection. A connection that fails to
// write is released and one fresh dial is attempted.
func (n *NetworkTransport) Send(target string, tag uint8, msg interface{}, sig []byte) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		c, err := n.GetConn(target)
		if err != nil {
			return err
		}
		if err := SendMsg(c, tag, msg, sig); err != nil {
			lastErr = err
			n.logger.Debug("frame write failed", "target", target, "tag", tag, "error", err)
			continue
		}
		return n.ReturnConn(c)
	}
	return errors.Wrapf(lastErr, "send frame %d to %s", tag, target)
}

// SendMsg encodes one frame on conn. The connection is released on failure.
func SendMsg(conn *NetConn, tag uint8, msg interface{}, sig []byte) error {
	err := conn.w.WriteByte(tag)
	if err == nil {
		err = conn.enc.Encode(msg)
	}
	if err == nil {
		err = conn.enc.Encode(sig)
	}
	if err == nil {
		err = conn.w.Flush()
	}
	if err != nil {
		conn.Release()
		return err
	}
	return nil
}
