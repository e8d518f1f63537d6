// Package transport owns the byte-level channel between one client and the server.
//
// Ownership boundary:
// - Transport contract shared by stream and datagram sessions
// - stream variant bound to one accepted connection
// - datagram endpoint and its per-sender pseudo-channels
package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/groupchat/internal/protocol/frame"
	"github.com/danmuck/groupchat/internal/protocol/pdu"
)

var (
	ErrTimedOut  = errors.New("transport: receive timed out")
	ErrClosed    = errors.New("transport: closed")
	ErrMalformed = errors.New("transport: malformed envelope")
	ErrTooLarge  = errors.New("transport: envelope exceeds datagram size")
)

// Transport moves whole envelopes between the server and one client.
type Transport interface {
	// Receive waits up to timeout for one envelope. A zero timeout waits forever.
	Receive(timeout time.Duration) (pdu.Envelope, error)
	Send(env pdu.Envelope) error
	Close() error
	// Reliable reports whether delivery is guaranteed once Send returns nil.
	Reliable() bool
	RemoteAddr() string
}

// Options tune both transport variants.
type Options struct {
	WriteTimeout time.Duration
	// FrameTimeout bounds reading the rest of a frame once its first byte arrived.
	FrameTimeout      time.Duration
	SendBufferSize    int
	ReceiveBufferSize int
	Limits            frame.Limits
}

func DefaultOptions() Options {
	return Options{
		WriteTimeout: 5 * time.Second,
		FrameTimeout: 5 * time.Second,
		Limits:       frame.DefaultLimits(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.FrameTimeout <= 0 {
		o.FrameTimeout = def.FrameTimeout
	}
	if o.Limits.MaxPayloadBytes == 0 {
		o.Limits = def.Limits
	}
	return o
}

// MalformedError reports a complete frame whose envelope could not be decoded.
// The channel stays usable; Sequence echoes the frame's message id.
type MalformedError struct {
	Sequence uint64
	Err      error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("transport: malformed envelope seq=%d: %v", e.Sequence, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }
