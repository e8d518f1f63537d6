package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/danmuck/groupchat/internal/protocol/pdu"
	"github.com/tevino/abool"
)

const maxDatagramSize = 65507

// Endpoint is the single shared UDP socket every datagram session goes through.
// Receive must be driven by one goroutine; Send is safe from any.
type Endpoint struct {
	conn   *net.UDPConn
	opts   Options
	buf    []byte
	closed *abool.AtomicBool
}

// ListenDatagram binds a UDP endpoint on addr.
func ListenDatagram(addr string, opts Options) (*Endpoint, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return NewEndpoint(conn, opts), nil
}

func NewEndpoint(conn *net.UDPConn, opts Options) *Endpoint {
	opts = opts.withDefaults()
	if opts.SendBufferSize > 0 {
		_ = conn.SetWriteBuffer(opts.SendBufferSize)
	}
	if opts.ReceiveBufferSize > 0 {
		_ = conn.SetReadBuffer(opts.ReceiveBufferSize)
	}
	return &Endpoint{
		conn:   conn,
		opts:   opts,
		buf:    make([]byte, maxDatagramSize),
		closed: abool.New(),
	}
}

// Receive reads the next datagram. A datagram that does not decode is
// returned together with a *MalformedError so the caller can answer its sender.
func (e *Endpoint) Receive(timeout time.Duration) (Datagram, error) {
	if e.closed.IsSet() {
		return Datagram{}, ErrClosed
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		return Datagram{}, e.mapErr(err)
	}
	n, remote, err := e.conn.ReadFromUDPAddrPort(e.buf)
	if err != nil {
		return Datagram{}, e.mapErr(err)
	}
	d := e.Peer(remote)
	env, err := pdu.Unmarshal(e.buf[:n])
	if err != nil {
		var seq uint64
		if n >= 16 {
			seq = binary.BigEndian.Uint64(e.buf[8:16])
		}
		return d, &MalformedError{Sequence: seq, Err: err}
	}
	d.Envelope = env
	return d, nil
}

// Peer returns the pseudo-channel addressed to remote.
func (e *Endpoint) Peer(remote netip.AddrPort) Datagram {
	return Datagram{
		Remote:   netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port()),
		endpoint: e,
	}
}

func (e *Endpoint) send(remote netip.AddrPort, env pdu.Envelope) error {
	if e.closed.IsSet() {
		return ErrClosed
	}
	b, err := pdu.Encode(env)
	if err != nil {
		return err
	}
	if len(b) > maxDatagramSize {
		return ErrTooLarge
	}
	if _, err := e.conn.WriteToUDPAddrPort(b, remote); err != nil {
		return e.mapErr(err)
	}
	return nil
}

func (e *Endpoint) LocalAddr() net.Addr { return e.conn.LocalAddr() }

// Close is idempotent.
func (e *Endpoint) Close() error {
	if !e.closed.SetToIf(false, true) {
		return nil
	}
	return e.conn.Close()
}

func (e *Endpoint) mapErr(err error) error {
	var nerr net.Error
	switch {
	case errors.As(err, &nerr) && nerr.Timeout():
		return ErrTimedOut
	case errors.Is(err, net.ErrClosed), e.closed.IsSet():
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return err
	}
}

// Datagram is a pseudo-channel: one inbound envelope plus the way back to its
// sender. It carries no socket of its own, so Close is a no-op and Receive
// always reports ErrClosed.
type Datagram struct {
	Remote   netip.AddrPort
	Envelope pdu.Envelope

	endpoint *Endpoint
}

func (d Datagram) Receive(time.Duration) (pdu.Envelope, error) {
	return pdu.Envelope{}, ErrClosed
}

func (d Datagram) Send(env pdu.Envelope) error {
	if d.endpoint == nil {
		return ErrClosed
	}
	return d.endpoint.send(d.Remote, env)
}

func (d Datagram) Close() error { return nil }

func (d Datagram) Reliable() bool { return false }

func (d Datagram) RemoteAddr() string { return d.Remote.String() }

// DatagramClient is the client side of the datagram variant: a connected UDP
// socket speaking to one server endpoint.
type DatagramClient struct {
	conn   *net.UDPConn
	opts   Options
	buf    []byte
	closed *abool.AtomicBool
}

func DialDatagram(addr string, opts Options) (*DatagramClient, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &DatagramClient{
		conn:   conn,
		opts:   opts.withDefaults(),
		buf:    make([]byte, maxDatagramSize),
		closed: abool.New(),
	}, nil
}

func (c *DatagramClient) Receive(timeout time.Duration) (pdu.Envelope, error) {
	if c.closed.IsSet() {
		return pdu.Envelope{}, ErrClosed
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return pdu.Envelope{}, err
	}
	n, err := c.conn.Read(c.buf)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return pdu.Envelope{}, ErrTimedOut
		}
		return pdu.Envelope{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	env, err := pdu.Unmarshal(c.buf[:n])
	if err != nil {
		return pdu.Envelope{}, &MalformedError{Err: err}
	}
	return env, nil
}

func (c *DatagramClient) Send(env pdu.Envelope) error {
	b, err := pdu.Encode(env)
	if err != nil {
		return err
	}
	if len(b) > maxDatagramSize {
		return ErrTooLarge
	}
	_, err = c.conn.Write(b)
	return err
}

// SendRaw writes b as one datagram without encoding.
func (c *DatagramClient) SendRaw(b []byte) error {
	_, err := c.conn.Write(b)
	return err
}

func (c *DatagramClient) Close() error {
	if !c.closed.SetToIf(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *DatagramClient) Reliable() bool { return false }

func (c *DatagramClient) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *DatagramClient) LocalAddr() net.Addr { return c.conn.LocalAddr() }
