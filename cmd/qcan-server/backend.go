package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-qcan/internal/can"
	"github.com/kstaniek/go-qcan/internal/hub"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// initBackend opens the bus behind one bridged channel, starts its RX loop
// feeding h and returns a frame sender and cleanup. It returns an error
// instead of exiting the process to allow graceful handling by the caller.
func initBackend(ctx context.Context, cfg *appConfig, b bridgeConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (func(can.Frame) error, func(), error) {
	l = l.With("channel", b.Channel, "backend", b.Backend)
	switch b.Backend {
	case backendSerial:
		return initSerialBackend(ctx, cfg, b, h, l, wg)
	case backendSocketCAN:
		return initSocketCANBackend(ctx, b, h, l, wg)
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use serial|socketcan)", b.Backend)
	}
}

// backoff doubles a retry delay between rxBackoffMin and rxBackoffMax.
type backoff struct{ cur time.Duration }

func (b *backoff) reset() { b.cur = rxBackoffMin }

func (b *backoff) next() time.Duration {
	if b.cur < rxBackoffMin {
		b.cur = rxBackoffMin
	}
	d := b.cur
	b.cur *= 2
	if b.cur > rxBackoffMax {
		b.cur = rxBackoffMax
	}
	return d
}
