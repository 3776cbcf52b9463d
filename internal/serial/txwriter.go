package serial

import (
	"context"
	"fmt"

	"github.com/kstaniek/go-qcan/internal/can"
	"github.com/kstaniek/go-qcan/internal/logging"
	"github.com/kstaniek/go-qcan/internal/metrics"
	"github.com/kstaniek/go-qcan/internal/transport"
)

// TXWriter funnels all serial writes through one goroutine.
type TXWriter struct{ base *transport.AsyncTx }

// NewTXWriter creates a serial TXWriter with a buffered channel of size buf.
func NewTXWriter(parent context.Context, sp Port, codec Codec, buf int) *TXWriter {
	send := func(fr can.Frame) error {
		b, err := codec.Encode(fr)
		if err != nil {
			return err
		}
		_, err = sp.Write(b)
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrBackendWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncBackendTx(BackendName) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrBackendOverflow)
			return fmt.Errorf("serial: %w", transport.ErrTxOverflow)
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// SendFrame queues a frame for asynchronous write. FD frames fail right away;
// a full queue fails with transport.ErrTxOverflow.
func (w *TXWriter) SendFrame(fr can.Frame) error {
	if fr.Format().IsFD() {
		return fmt.Errorf("serial: %w: %v", can.ErrUnsupported, fr.Format())
	}
	return w.base.SendFrame(fr)
}

// Close stops the writer and waits for pending goroutine exit.
func (w *TXWriter) Close() { w.base.Close() }
