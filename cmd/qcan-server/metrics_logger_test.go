package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-qcan/internal/metrics"
)

func TestSnapshotAttrsDeltas(t *testing.T) {
	prev := metrics.Snapshot{TCPRx: 10, Errors: 2, QueueDepthMax: 7}
	cur := metrics.Snapshot{TCPRx: 15, Errors: 2, QueueDepthMax: 9}
	attrs := snapshotAttrs(prev, cur)
	got := map[string]any{}
	for i := 0; i+1 < len(attrs); i += 2 {
		got[attrs[i].(string)] = attrs[i+1]
	}
	if got["tcp_rx"] != uint64(5) || got["errors"] != uint64(0) || got["queue_depth_max"] != uint64(9) {
		t.Fatalf("attrs=%v", got)
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestMetricsLoggerTicks(t *testing.T) {
	var buf syncBuffer
	l := slog.New(slog.NewTextHandler(&buf, nil))
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	startMetricsLogger(ctx, 5*time.Millisecond, l, &wg)
	deadline := time.Now().Add(time.Second)
	for !strings.Contains(buf.String(), "metrics_interval") {
		if time.Now().After(deadline) {
			t.Fatalf("no metrics line logged")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	wg.Wait()

	startMetricsLogger(context.Background(), 0, l, &wg) // disabled
	wg.Wait()
}
