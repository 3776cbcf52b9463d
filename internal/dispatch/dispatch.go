// Package dispatch drains a channel socket on a timer and hands its frames,
// bus errors and disconnect notifications to registered handlers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-qcan/internal/can"
	"github.com/kstaniek/go-qcan/internal/logging"
	"github.com/kstaniek/go-qcan/internal/metrics"
)

// Event names accepted by On.
const (
	EventFrames     = "frames"
	EventBusError   = "error"
	EventDisconnect = "disconnect"
)

// DefaultInterval is the polling period used by Run.
const DefaultInterval = 10 * time.Millisecond

var (
	ErrUnknownEvent = errors.New("dispatch: unknown event")
	ErrHandlerType  = errors.New("dispatch: handler has wrong type for event")
)

// Source is the part of a socket the dispatcher consumes.
type Source interface {
	Read(out *can.Frame) bool
	IsConnected() bool
	Err() error
}

// Dispatcher polls a Source and calls handlers synchronously on the polling
// goroutine, frames in queue order. After the source reports disconnected it
// emits one disconnect event and stops.
type Dispatcher struct {
	src      Source
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	onFrames []func(can.Frame)
	onBusErr []func(can.Frame)
	onDisc   []func(error)

	pollMu    sync.Mutex
	stopped   atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	delivered atomic.Uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithInterval sets the Run polling period.
func WithInterval(d time.Duration) Option {
	return func(p *Dispatcher) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(p *Dispatcher) { p.log = l } }

func New(src Source, opts ...Option) *Dispatcher {
	p := &Dispatcher{src: src, interval: DefaultInterval, stopCh: make(chan struct{})}
	for _, o := range opts {
		o(p)
	}
	p.log = logging.Or(p.log)
	return p
}

// OnFrames registers fn for every delivered frame.
func (p *Dispatcher) OnFrames(fn func(can.Frame)) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	p.onFrames = append(p.onFrames, fn)
	p.mu.Unlock()
}

// OnBusError registers fn for error frames. Error frames go only to these
// handlers, never to the frames handlers.
func (p *Dispatcher) OnBusError(fn func(can.Frame)) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	p.onBusErr = append(p.onBusErr, fn)
	p.mu.Unlock()
}

// OnDisconnect registers fn for the disconnect event. The argument is the
// source's Err at that moment, nil for a local disconnect.
func (p *Dispatcher) OnDisconnect(fn func(error)) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	p.onDisc = append(p.onDisc, fn)
	p.mu.Unlock()
}

// On registers a handler by event name. "frames" and "error" take
// func(can.Frame), "disconnect" takes func(error) or func().
func (p *Dispatcher) On(event string, handler any) error {
	switch event {
	case EventFrames:
		fn, ok := handler.(func(can.Frame))
		if !ok {
			return fmt.Errorf("%w: %s wants func(can.Frame), got %T", ErrHandlerType, event, handler)
		}
		p.OnFrames(fn)
	case EventBusError:
		fn, ok := handler.(func(can.Frame))
		if !ok {
			return fmt.Errorf("%w: %s wants func(can.Frame), got %T", ErrHandlerType, event, handler)
		}
		p.OnBusError(fn)
	case EventDisconnect:
		switch fn := handler.(type) {
		case func(error):
			p.OnDisconnect(fn)
		case func():
			p.OnDisconnect(func(error) { fn() })
		default:
			return fmt.Errorf("%w: %s wants func(error), got %T", ErrHandlerType, event, handler)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	return nil
}

func (p *Dispatcher) handlers() (frames, busErr []func(can.Frame), disc []func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onFrames, p.onBusErr, p.onDisc
}

// Poll runs one cycle: it drains the source, delivering every frame, then
// emits the disconnect event if the source is no longer connected. It
// returns the number of frames delivered, error frames included, and
// whether a disconnect was emitted. A stopped dispatcher does nothing.
func (p *Dispatcher) Poll() (int, bool) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	// Sampled before draining so frames queued ahead of a link loss are
	// delivered before the disconnect event.
	up := p.src.IsConnected()
	frames, busErr, disc := p.handlers()

	var n int
	var fr can.Frame
	for !p.stopped.Load() && p.src.Read(&fr) {
		fns := frames
		if fr.IsError() {
			fns = busErr
		}
		for _, fn := range fns {
			fn(fr)
		}
		n++
		p.delivered.Add(1)
		metrics.IncDelivered()
	}
	if up || p.stopped.Load() {
		return n, false
	}
	err := p.src.Err()
	p.Stop()
	metrics.IncDisconnect()
	p.log.Info("dispatch_disconnect", "delivered", p.delivered.Load(), "error", err)
	for _, fn := range disc {
		fn(err)
	}
	return n, true
}

// Run polls every interval until ctx is done, Stop is called or the
// disconnect event was emitted. It returns nil in all three cases.
func (p *Dispatcher) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		if _, disc := p.Poll(); disc {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		case <-t.C:
		}
	}
}

// Stop ends Run and makes later Polls no-ops. A frame already taken from
// the source is still delivered. Stop may be called from a handler.
func (p *Dispatcher) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stopCh)
	})
}

// Stopped reports whether Stop was called or the disconnect event fired.
func (p *Dispatcher) Stopped() bool { return p.stopped.Load() }

// Delivered returns the number of frames handed to handlers so far.
func (p *Dispatcher) Delivered() uint64 { return p.delivered.Load() }
