package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-qcan/internal/can"
	"github.com/kstaniek/go-qcan/internal/logging"
	"github.com/kstaniek/go-qcan/internal/metrics"
	"github.com/kstaniek/go-qcan/internal/qcn"
)

// Defaults used when TCPDialer fields are zero.
const (
	DefaultBasePort         = 55660
	DefaultHandshakeTimeout = 3 * time.Second
	DefaultTxQueue          = 256
)

// TCPDialer connects to a QCan network server. Channel n listens on
// BasePort+n.
type TCPDialer struct {
	Host             string
	BasePort         int
	HandshakeTimeout time.Duration
	TxQueue          int
	Logger           *slog.Logger
}

// Addr returns the address dialled for channel.
func (d *TCPDialer) Addr(channel int) string {
	base := d.BasePort
	if base == 0 {
		base = DefaultBasePort
	}
	host := d.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(base+channel))
}

// Dial connects, performs the handshake and starts the link goroutines.
func (d *TCPDialer) Dial(ctx context.Context, channel int, deliver func(can.Frame)) (Link, error) {
	addr := d.Addr(channel)
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	hto := d.HandshakeTimeout
	if hto <= 0 {
		hto = DefaultHandshakeTimeout
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < hto {
		hto = time.Until(dl)
	}
	if err := qcn.Handshake(ctx, conn, hto); err != nil {
		_ = conn.Close()
		metrics.IncError(metrics.ErrHandshake)
		return nil, err
	}
	txq := d.TxQueue
	if txq <= 0 {
		txq = DefaultTxQueue
	}
	l := &tcpLink{
		conn:    conn,
		bw:      bufio.NewWriterSize(conn, qcn.RecordSize*16),
		deliver: deliver,
		done:    make(chan struct{}),
		log:     logging.Or(d.Logger).With("remote", addr, "channel", channel),
	}
	l.tx = NewAsyncTx(context.Background(), txq, l.write, Hooks{
		OnDrop: func() error {
			metrics.IncError(metrics.ErrLinkOverflow)
			return ErrTxOverflow
		},
		OnIdle: l.bw.Flush,
		OnError: func(err error) {
			metrics.IncError(metrics.ErrLinkWrite)
			l.fail(err)
		},
	})
	l.wg.Add(1)
	go l.readLoop()
	l.log.Debug("link_up")
	return l, nil
}

type tcpLink struct {
	conn    net.Conn
	bw      *bufio.Writer
	tx      *AsyncTx
	deliver func(can.Frame)
	codec   qcn.Codec
	log     *slog.Logger

	wg     sync.WaitGroup
	once   sync.Once
	closed atomic.Bool
	done   chan struct{}
	mu     sync.Mutex
	err    error
}

func (l *tcpLink) write(fr can.Frame) error {
	var rec [qcn.RecordSize]byte
	qcn.MarshalRecord(&rec, &fr)
	_, err := l.bw.Write(rec[:])
	return err
}

func (l *tcpLink) readLoop() {
	defer l.wg.Done()
	br := bufio.NewReaderSize(l.conn, qcn.RecordSize*16)
	for {
		fr, err := l.codec.Decode(br)
		if err == nil {
			l.deliver(fr)
			continue
		}
		if l.closed.Load() {
			return
		}
		// Records are fixed size, so a bad record does not desync the stream.
		if errors.Is(err, qcn.ErrChecksum) || errors.Is(err, qcn.ErrInvalidFrame) {
			l.log.Warn("link_bad_record", "error", err)
			continue
		}
		metrics.IncError(metrics.ErrLinkLost)
		l.fail(err)
		return
	}
}

func (l *tcpLink) Send(fr can.Frame) error {
	if l.closed.Load() {
		return ErrLinkClosed
	}
	if err := l.tx.SendFrame(fr); err != nil {
		if errors.Is(err, ErrAsyncTxClosed) {
			return ErrLinkClosed
		}
		return err
	}
	return nil
}

func (l *tcpLink) Drain(ctx context.Context) error {
	if err := l.tx.Drain(ctx); err != nil {
		if errors.Is(err, ErrAsyncTxClosed) {
			return ErrLinkClosed
		}
		return err
	}
	if l.closed.Load() {
		return ErrLinkClosed
	}
	return nil
}

func (l *tcpLink) Done() <-chan struct{} { return l.done }

func (l *tcpLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *tcpLink) finish(err error) bool {
	first := false
	l.once.Do(func() {
		first = true
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		l.closed.Store(true)
		_ = l.conn.Close()
		close(l.done)
	})
	return first
}

// fail may run on the writer goroutine, so the writer is stopped asynchronously.
func (l *tcpLink) fail(cause error) {
	if l.finish(fmt.Errorf("%w: %v", ErrLinkLost, cause)) {
		l.log.Warn("link_lost", "error", cause)
		go l.tx.Close()
	}
}

func (l *tcpLink) Close() error {
	l.finish(nil)
	l.tx.Close()
	l.wg.Wait()
	return nil
}
