// Package transport connects channel sockets to a CAN network server.
package transport

import (
	"context"
	"errors"
	"io"

	"github.com/kstaniek/go-qcan/internal/can"
	"github.com/kstaniek/go-qcan/internal/qcn"
)

var (
	// ErrTxOverflow is returned by Link.Send when the outbound queue is full.
	ErrTxOverflow = errors.New("transport: tx queue overflow")
	// ErrLinkClosed is returned by Link.Send after the link was closed or lost.
	ErrLinkClosed = errors.New("transport: link closed")
	// ErrLinkLost is the root of Link.Err when the peer went away.
	ErrLinkLost = errors.New("transport: link lost")
)

// Link is an established connection to one channel of the server.
type Link interface {
	// Send queues fr without blocking.
	Send(fr can.Frame) error
	// Done is closed once the link is down, whatever the reason.
	Done() <-chan struct{}
	// Err explains why the link went down; nil after a local Close.
	Err() error
	Close() error
}

// Drainer is implemented by links that buffer outbound frames.
type Drainer interface {
	// Drain waits until every frame passed to Send was written out.
	Drain(ctx context.Context) error
}

// Dialer opens links. Dial must honour ctx cancellation and deadline.
// Received frames are passed to deliver in arrival order from a goroutine
// owned by the link; deliver must not block.
type Dialer interface {
	Dial(ctx context.Context, channel int, deliver func(can.Frame)) (Link, error)
}

// FrameDecoder decodes a single CAN frame from a stream.
type FrameDecoder interface {
	Decode(r io.Reader) (can.Frame, error)
}

// MultiFrameDecoder optionally drains multiple frames from a stream.
type MultiFrameDecoder interface {
	DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error)
}

// FrameBatchEncoder can encode batches efficiently (either to bytes or directly to writer).
type FrameBatchEncoder interface {
	Encode([]can.Frame) []byte
	EncodeTo(w io.Writer, frames []can.Frame) (int, error)
}

// FrameSink is a generic CAN frame transmission target.
type FrameSink interface {
	SendFrame(can.Frame) error
}

var (
	_ FrameDecoder      = (*qcn.Codec)(nil)
	_ MultiFrameDecoder = (*qcn.Codec)(nil)
	_ FrameBatchEncoder = (*qcn.Codec)(nil)
	_ FrameSink         = (*AsyncTx)(nil)
	_ Dialer            = (*TCPDialer)(nil)
	_ Drainer           = (*tcpLink)(nil)
	_ Dialer            = (*Pipe)(nil)
)
