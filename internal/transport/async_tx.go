package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-qcan/internal/can"
)

// ErrAsyncTxClosed is returned by SendFrame once Close has been called.
var ErrAsyncTxClosed = errors.New("async tx closed")

// AsyncTx funnels frame writes through a single goroutine. Enqueue never
// blocks: when the buffer is full SendFrame returns the OnDrop error, so a
// slow link or bus never stalls the producer.
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.SendFrame(frame)
//	a.Close()
//
// Frames still buffered when Close is called are discarded; call Drain
// first to keep them.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan can.Frame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(can.Frame) error
	hooks  Hooks
	closed atomic.Bool
	// queued or being sent
	inflight atomic.Int64
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (frame not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is returned
	// from SendFrame. If nil, the overflow is silent.
	OnDrop func() error
	// OnIdle is called after a send when no further frame is queued. Buffered
	// writers flush here; a returned error is passed to OnError.
	OnIdle func() error
}

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan can.Frame, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case fr, ok := <-a.ch:
			if !ok {
				return
			}
			a.deliver(fr)
			a.inflight.Add(-1)
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *AsyncTx) deliver(fr can.Frame) {
	if err := a.send(fr); err != nil {
		a.onError(err)
		return
	}
	if a.hooks.OnAfter != nil {
		a.hooks.OnAfter()
	}
	if a.hooks.OnIdle != nil && len(a.ch) == 0 {
		if err := a.hooks.OnIdle(); err != nil {
			a.onError(err)
		}
	}
}

func (a *AsyncTx) onError(err error) {
	if a.hooks.OnError != nil {
		a.hooks.OnError(err)
	}
}

// SendFrame queues a frame for asynchronous transmission or returns the drop
// error if the buffer is full.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.inflight.Add(1)
	select {
	case a.ch <- fr:
		return nil
	default:
		a.inflight.Add(-1)
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Pending reports how many frames wait in the buffer.
func (a *AsyncTx) Pending() int { return len(a.ch) }

// Drain waits until every queued frame went through send (and OnIdle) or
// ctx is done. Frames that failed to send count as drained.
func (a *AsyncTx) Drain(ctx context.Context) error {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for a.inflight.Load() > 0 {
		if a.closed.Load() {
			return ErrAsyncTxClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Close stops the worker and waits for it to exit. It must not be called
// from a hook.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
