package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/kstaniek/go-qcan/internal/can"
)

// Pipe is an in-memory Dialer. The test or embedding program plays the
// server: Inject delivers frames to the connected socket, Sent exposes what
// the socket wrote and Drop simulates the peer going away.
type Pipe struct {
	mu          sync.Mutex
	txBuf       int
	unreachable bool
	dialErr     error
	dials       int
	links       map[int]*pipeLink
}

// NewPipe returns a Pipe whose links buffer up to txBuf outbound frames
// before Send reports ErrTxOverflow.
func NewPipe(txBuf int) *Pipe {
	return &Pipe{txBuf: txBuf, links: make(map[int]*pipeLink)}
}

// SetUnreachable makes Dial block until its context ends.
func (p *Pipe) SetUnreachable(v bool) {
	p.mu.Lock()
	p.unreachable = v
	p.mu.Unlock()
}

// SetDialError makes Dial fail immediately with err (nil restores success).
func (p *Pipe) SetDialError(err error) {
	p.mu.Lock()
	p.dialErr = err
	p.mu.Unlock()
}

// Dials returns the number of Dial calls so far.
func (p *Pipe) Dials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

func (p *Pipe) Dial(ctx context.Context, channel int, deliver func(can.Frame)) (Link, error) {
	p.mu.Lock()
	p.dials++
	unreachable, dialErr := p.unreachable, p.dialErr
	p.mu.Unlock()
	if unreachable {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if dialErr != nil {
		return nil, dialErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := &pipeLink{
		deliver: deliver,
		sent:    make(chan can.Frame, p.txBuf),
		done:    make(chan struct{}),
	}
	p.mu.Lock()
	p.links[channel] = l
	p.mu.Unlock()
	return l, nil
}

func (p *Pipe) link(channel int) *pipeLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.links[channel]
}

// Inject hands fr to the link on channel as if the server had sent it. It
// reports false when no open link exists.
func (p *Pipe) Inject(channel int, fr can.Frame) bool {
	l := p.link(channel)
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down {
		return false
	}
	l.deliver(fr)
	return true
}

// Sent returns the outbound frames of the latest link on channel, or nil.
func (p *Pipe) Sent(channel int) <-chan can.Frame {
	if l := p.link(channel); l != nil {
		return l.sent
	}
	return nil
}

// Drop takes the link on channel down with cause.
func (p *Pipe) Drop(channel int, cause error) {
	if l := p.link(channel); l != nil {
		l.finish(fmt.Errorf("%w: %v", ErrLinkLost, cause))
	}
}

type pipeLink struct {
	deliver func(can.Frame)
	sent    chan can.Frame
	done    chan struct{}

	mu   sync.Mutex
	down bool
	err  error
}

func (l *pipeLink) Send(fr can.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down {
		return ErrLinkClosed
	}
	select {
	case l.sent <- fr:
		return nil
	default:
		return ErrTxOverflow
	}
}

func (l *pipeLink) Done() <-chan struct{} { return l.done }

func (l *pipeLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *pipeLink) finish(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down {
		return
	}
	l.down = true
	l.err = err
	close(l.done)
}

func (l *pipeLink) Close() error {
	l.finish(nil)
	return nil
}
