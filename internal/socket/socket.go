// Package socket provides the client side of a CAN channel: a connection to
// one channel of a QCan network server with a bounded inbound queue and
// acceptance filters.
package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-qcan/internal/can"
	"github.com/kstaniek/go-qcan/internal/filter"
	"github.com/kstaniek/go-qcan/internal/logging"
	"github.com/kstaniek/go-qcan/internal/metrics"
	"github.com/kstaniek/go-qcan/internal/transport"
)

// Channel numbers accepted by Connect.
const (
	MinChannel = 1
	MaxChannel = 8
)

// DefaultQueueSize bounds the inbound queue unless WithQueueSize is given.
const DefaultQueueSize = 1024

// DefaultConnectTimeout bounds Connect when it is called with timeout <= 0.
var DefaultConnectTimeout = 5 * time.Second

// Socket is a client connection to one CAN channel.
//
// Write, Read, AddFilter and the accessors are safe for concurrent use.
// Inbound frames are queued by the transport goroutine and consumed by Read;
// when the queue is full new frames are dropped and counted.
type Socket struct {
	dialer    transport.Dialer
	queueSize int
	log       *slog.Logger

	connectMu sync.Mutex // serializes Connect and Disconnect

	mu      sync.Mutex
	link    transport.Link
	queue   chan can.Frame
	channel int
	done    chan struct{}
	lost    error

	readMu  sync.Mutex // keeps Read dequeue+filter atomic w.r.t. other readers
	filters atomic.Pointer[filter.List]

	connected atomic.Bool

	rx, tx, filtered, dropped atomic.Uint64
}

// Option configures a Socket.
type Option func(*Socket)

// WithQueueSize sets the inbound queue capacity.
func WithQueueSize(n int) Option {
	return func(s *Socket) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithLogger sets the logger; the global logger is used otherwise.
func WithLogger(l *slog.Logger) Option { return func(s *Socket) { s.log = l } }

// New returns a disconnected socket that will use d to reach the server.
func New(d transport.Dialer, opts ...Option) *Socket {
	s := &Socket{dialer: d, queueSize: DefaultQueueSize}
	for _, o := range opts {
		o(s)
	}
	s.log = logging.Or(s.log)
	s.filters.Store(&filter.List{})
	return s
}

// Connect opens channel (1..8) and waits at most timeout for the link. A
// timeout <= 0 means DefaultConnectTimeout. On failure the socket stays
// disconnected with no queue.
func (s *Socket) Connect(ctx context.Context, channel int, timeout time.Duration) error {
	if channel < MinChannel || channel > MaxChannel {
		return fmt.Errorf("%w: %d (want %d..%d)", ErrInvalidChannel, channel, MinChannel, MaxChannel)
	}
	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	if s.IsConnected() {
		return ErrAlreadyConnected
	}

	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	queue := make(chan can.Frame, s.queueSize)
	link, err := s.dialer.Dial(dctx, channel, func(fr can.Frame) { s.enqueue(queue, fr) })
	if err == nil && dctx.Err() != nil {
		// The link came up after the caller gave up.
		_ = link.Close()
		err = dctx.Err()
	}
	if err != nil {
		s.log.Warn("socket_connect_failed", "channel", channel, "error", err)
		return fmt.Errorf("%w: channel %d: %v", ErrConnect, channel, err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	if stale := s.link; stale != nil {
		// Lost earlier and never disconnected; its queue is dropped with it.
		go stale.Close()
	}
	s.link = link
	s.queue = queue
	s.channel = channel
	s.done = done
	s.lost = nil
	s.mu.Unlock()
	s.connected.Store(true)

	go s.watch(link, done)
	s.log.Info("socket_connected", "channel", channel)
	return nil
}

// watch marks the socket disconnected when link goes down on its own.
func (s *Socket) watch(link transport.Link, done chan struct{}) {
	<-link.Done()
	s.mu.Lock()
	if s.link != link {
		s.mu.Unlock()
		return
	}
	err := link.Err()
	if err != nil {
		s.lost = err
	}
	s.connected.Store(false)
	s.mu.Unlock()
	close(done)
	if err != nil {
		s.log.Warn("socket_link_lost", "channel", s.Channel(), "error", err)
	}
}

func (s *Socket) enqueue(q chan can.Frame, fr can.Frame) {
	select {
	case q <- fr:
		s.rx.Add(1)
		metrics.IncSocketRx()
	default:
		s.dropped.Add(1)
		metrics.IncSocketDropped()
	}
}

// Disconnect closes the link, discards queued frames and clears all filters.
// It is a no-op when nothing is open.
func (s *Socket) Disconnect() {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	link, done, ch := s.link, s.done, s.channel
	s.link = nil
	s.queue = nil
	s.done = nil
	s.channel = 0
	s.lost = nil
	wasUp := s.connected.Swap(false)
	s.mu.Unlock()

	s.filters.Store(&filter.List{})
	if link == nil {
		return
	}
	_ = link.Close()
	// The watcher leaves done alone once s.link changed; close it here if the
	// link was still up.
	if wasUp {
		close(done)
	}
	s.log.Info("socket_disconnected", "channel", ch)
}

// Write sends fr to the server. The frame is copied; the caller may reuse it.
func (s *Socket) Write(fr can.Frame) error {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil || !s.connected.Load() {
		return ErrNotConnected
	}
	if err := link.Send(fr); err != nil {
		switch {
		case errors.Is(err, transport.ErrTxOverflow):
			return fmt.Errorf("%w: %w", ErrBackpressure, err)
		case errors.Is(err, transport.ErrLinkClosed):
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		default:
			return err
		}
	}
	s.tx.Add(1)
	metrics.IncSocketTx()
	return nil
}

// Flush waits until frames accepted by Write have left the socket, for links
// that buffer outbound frames. It returns ErrNotConnected when the link is
// gone before that.
func (s *Socket) Flush(ctx context.Context) error {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil || !s.connected.Load() {
		return ErrNotConnected
	}
	d, ok := link.(transport.Drainer)
	if !ok {
		return nil
	}
	if err := d.Drain(ctx); err != nil {
		if errors.Is(err, transport.ErrLinkClosed) {
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		return err
	}
	return nil
}

// Read pops the oldest queued frame accepted by the filters into out and
// reports whether one was found. Rejected frames are discarded on the way.
// Error frames carry no identifier and always pass. Read never blocks.
func (s *Socket) Read(out *can.Frame) bool {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil || out == nil {
		return false
	}
	s.readMu.Lock()
	defer s.readMu.Unlock()
	for {
		select {
		case fr := <-q:
			if !fr.IsError() && !s.filters.Load().Accepts(&fr) {
				s.filtered.Add(1)
				metrics.IncSocketFiltered()
				continue
			}
			*out = fr
			return true
		default:
			return false
		}
	}
}

// AddFilter appends f to the filter list. It applies to frames already queued.
func (s *Socket) AddFilter(f filter.Filter) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	next := s.filters.Load().Clone()
	next.Append(f)
	s.filters.Store(next)
}

// Filters returns a copy of the current filter list.
func (s *Socket) Filters() *filter.List { return s.filters.Load().Clone() }

// IsConnected reports whether the link is up.
func (s *Socket) IsConnected() bool { return s.connected.Load() }

// Channel returns the connected channel, or 0.
func (s *Socket) Channel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// FramesAvailable returns the number of queued frames before filtering.
func (s *Socket) FramesAvailable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Done returns a channel closed when the current connection ends, by link
// loss or Disconnect. It is nil before Connect and after Disconnect.
func (s *Socket) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the reason the link was lost, or nil.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// Stats counts frames for the lifetime of the socket.
type Stats struct {
	Rx       uint64 // queued
	Tx       uint64 // handed to the transport
	Filtered uint64 // discarded by filters
	Dropped  uint64 // lost to a full queue
}

func (s *Socket) Stats() Stats {
	return Stats{
		Rx:       s.rx.Load(),
		Tx:       s.tx.Load(),
		Filtered: s.filtered.Load(),
		Dropped:  s.dropped.Load(),
	}
}
