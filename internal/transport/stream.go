package transport

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/groupchat/internal/protocol/frame"
	"github.com/danmuck/groupchat/internal/protocol/pdu"
	"github.com/tevino/abool"
)

// Stream is the reliable variant bound to one TCP or TLS connection.
type Stream struct {
	conn   net.Conn
	reader *bufio.Reader
	opts   Options

	writeMu sync.Mutex
	closed  *abool.AtomicBool
}

func NewStream(conn net.Conn, opts Options) *Stream {
	opts = opts.withDefaults()
	applyStreamBuffers(conn, opts)
	return &Stream{
		conn:   conn,
		reader: bufio.NewReader(conn),
		opts:   opts,
		closed: abool.New(),
	}
}

// Receive waits for the first byte of the next frame within timeout, then
// reads the remainder under FrameTimeout so a poll timeout never splits a frame.
func (s *Stream) Receive(timeout time.Duration) (pdu.Envelope, error) {
	if s.closed.IsSet() {
		return pdu.Envelope{}, ErrClosed
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return pdu.Envelope{}, s.mapErr(err)
	}
	if _, err := s.reader.Peek(1); err != nil {
		return pdu.Envelope{}, s.mapErr(err)
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.FrameTimeout)); err != nil {
		return pdu.Envelope{}, s.mapErr(err)
	}
	fr, err := frame.ReadFrame(s.reader, s.opts.Limits)
	if err != nil {
		if mapped := s.mapErr(err); errors.Is(mapped, ErrClosed) {
			return pdu.Envelope{}, mapped
		}
		// framing lost; the connection cannot be resynchronised
		return pdu.Envelope{}, fmt.Errorf("transport: broken frame stream: %w", err)
	}
	env, err := pdu.Decode(fr)
	if err != nil {
		return pdu.Envelope{}, &MalformedError{Sequence: fr.Header.MessageID, Err: err}
	}
	return env, nil
}

// Send writes one framed envelope; concurrent senders are serialized.
func (s *Stream) Send(env pdu.Envelope) error {
	b, err := pdu.Encode(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.IsSet() {
		return ErrClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return s.mapErr(err)
	}
	if _, err := s.conn.Write(b); err != nil {
		return s.mapErr(err)
	}
	return nil
}

// Close is idempotent.
func (s *Stream) Close() error {
	if !s.closed.SetToIf(false, true) {
		return nil
	}
	return s.conn.Close()
}

func (s *Stream) Reliable() bool { return true }

func (s *Stream) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Conn exposes the underlying connection for shutdown tracking.
func (s *Stream) Conn() net.Conn { return s.conn }

func (s *Stream) mapErr(err error) error {
	var nerr net.Error
	switch {
	case errors.As(err, &nerr) && nerr.Timeout():
		return ErrTimedOut
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), s.closed.IsSet():
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return err
	}
}

func applyStreamBuffers(conn net.Conn, opts Options) {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn = tlsConn.NetConn()
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if opts.SendBufferSize > 0 {
		_ = tcp.SetWriteBuffer(opts.SendBufferSize)
	}
	if opts.ReceiveBufferSize > 0 {
		_ = tcp.SetReadBuffer(opts.ReceiveBufferSize)
	}
}
