package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-qcan/internal/can"
	"github.com/kstaniek/go-qcan/internal/hub"
	"github.com/kstaniek/go-qcan/internal/metrics"
	"github.com/kstaniek/go-qcan/internal/socketcan"
)

// openSocketCANDevice is a hook for tests (overridden in unit tests).
var openSocketCANDevice = func(iface string, fd bool) (socketcan.Dev, error) { return socketcan.Open(iface, fd) }

// initSocketCANBackend sets up the SocketCAN backend, launching the RX loop.
func initSocketCANBackend(ctx context.Context, b bridgeConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (func(can.Frame) error, func(), error) {
	dev, err := openSocketCANDevice(b.CANIf, b.FD)
	if err != nil {
		return nil, func() {}, fmt.Errorf("socketcan open %s: %w", b.CANIf, err)
	}
	l.Info("socketcan_open", "if", b.CANIf, "fd", b.FD)
	tw := socketcan.NewTXWriter(ctx, dev, txQueueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("socketcan_rx_end")
		var bo backoff
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var fr can.Frame
			if err := dev.ReadFrame(&fr); err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				metrics.IncError(metrics.ErrBackendRead)
				d := bo.next()
				l.Warn("socketcan_read_error", "error", err, "backoff", d)
				sleepFn(d)
				continue
			}
			metrics.IncBackendRx(socketcan.BackendName)
			if info, ok := fr.ErrorInfo(); ok {
				metrics.IncBusError(info.State.String())
				l.Debug("socketcan_bus_error", "state", info.State, "type", info.Type, "rx_errors", info.RxErrors, "tx_errors", info.TxErrors)
			}
			h.Broadcast(fr, nil)
			bo.reset()
		}
	}()
	return tw.SendFrame, func() { _ = dev.Close(); tw.Close() }, nil
}
