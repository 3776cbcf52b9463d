package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-qcan/internal/metrics"
)

// snapshotAttrs renders the counters that moved since prev. Server side
// only; socket counters stay zero in this process.
func snapshotAttrs(prev, cur metrics.Snapshot) []any {
	return []any{
		"backend_rx", cur.BackendRx - prev.BackendRx,
		"backend_tx", cur.BackendTx - prev.BackendTx,
		"tcp_rx", cur.TCPRx - prev.TCPRx,
		"tcp_tx", cur.TCPTx - prev.TCPTx,
		"hub_drops", cur.HubDrops - prev.HubDrops,
		"hub_kicks", cur.HubKicks - prev.HubKicks,
		"hub_rejects", cur.HubRejects - prev.HubRejects,
		"malformed", cur.Malformed - prev.Malformed,
		"errors", cur.Errors - prev.Errors,
		"queue_depth_max", cur.QueueDepthMax,
	}
}

// startMetricsLogger logs counter deltas every interval, for setups without
// a Prometheus scraper.
func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		prev := metrics.Snap()
		for {
			select {
			case <-t.C:
				cur := metrics.Snap()
				l.Info("metrics_interval", append(snapshotAttrs(prev, cur), "interval", interval)...)
				prev = cur
			case <-ctx.Done():
				return
			}
		}
	}()
}
