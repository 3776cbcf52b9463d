package server

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-qcan/internal/can"
	"github.com/kstaniek/go-qcan/internal/dispatch"
	"github.com/kstaniek/go-qcan/internal/filter"
	"github.com/kstaniek/go-qcan/internal/logging"
	"github.com/kstaniek/go-qcan/internal/socket"
	"github.com/kstaniek/go-qcan/internal/transport"
)

// dialerFor points a TCPDialer at srv, which listens on an ephemeral port.
func dialerFor(t *testing.T, srv *Server) *transport.TCPDialer {
	t.Helper()
	host, portText, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portText)
	if host == "::" || host == "" {
		host = "127.0.0.1"
	}
	return &transport.TCPDialer{Host: host, BasePort: port - srv.Channel(), Logger: logging.Discard()}
}

func TestEndToEndSocketsOverServer(t *testing.T) {
	var be backend
	srv := startServer(t, WithListenAddr("127.0.0.1:0"), WithSend(be.send))
	d := dialerFor(t, srv)

	rx := socket.New(d, socket.WithLogger(logging.Discard()))
	tx := socket.New(d, socket.WithLogger(logging.Discard()))
	ctx := context.Background()
	for _, s := range []*socket.Socket{rx, tx} {
		if err := s.Connect(ctx, 1, time.Second); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	defer tx.Disconnect()
	waitClients(t, srv, 2)

	f, _ := filter.AcceptRange(can.ClassicStandard, 0x100, 0x1FF)
	rx.AddFilter(f)
	f, _ = filter.AcceptRange(can.FDExtended, 0x18FF0000, 0x18FFFFFF)
	rx.AddFilter(f)

	var (
		mu   sync.Mutex
		got  []can.Frame
		lost = make(chan error, 1)
	)
	disp := dispatch.New(rx, dispatch.WithInterval(time.Millisecond), dispatch.WithLogger(logging.Discard()))
	disp.OnFrames(func(fr can.Frame) {
		mu.Lock()
		got = append(got, fr)
		mu.Unlock()
	})
	disp.OnDisconnect(func(err error) { lost <- err })
	runDone := make(chan error, 1)
	go func() { runDone <- disp.Run(ctx) }()

	want := []string{"100#01", "18FF00F1##1" + "0102030405060708090A0B0C"}
	for _, s := range []string{"080#00", want[0], "200#02", want[1]} {
		if err := tx.Write(mustParse(t, s)); err != nil {
			t.Fatalf("write %s: %v", s, err)
		}
	}

	waitBackend(t, &be, 4)
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= len(want) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d frames want %d", n, len(want))
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	for i, s := range want {
		if got[i].String() != s {
			t.Fatalf("frame %d = %s want %s", i, got[i].String(), s)
		}
	}
	mu.Unlock()
	if st := rx.Stats(); st.Filtered != 2 {
		t.Fatalf("filtered=%d want 2", st.Filtered)
	}

	// Server going away ends the dispatcher with a link-lost disconnect.
	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	select {
	case err := <-lost:
		if !errors.Is(err, transport.ErrLinkLost) {
			t.Fatalf("disconnect err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no disconnect event")
	}
	if err := <-runDone; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rx.IsConnected() {
		t.Fatalf("socket still connected")
	}
	if err := rx.Write(can.Frame{}); !errors.Is(err, socket.ErrNotConnected) {
		t.Fatalf("write after loss err=%v", err)
	}
}

func TestEndToEndConnectRefused(t *testing.T) {
	srv := startServer(t, WithListenAddr("127.0.0.1:0"))
	d := dialerFor(t, srv)
	s := socket.New(d, socket.WithLogger(logging.Discard()))
	// Channel 2 maps to the next port, where nothing listens.
	err := s.Connect(context.Background(), 2, 500*time.Millisecond)
	if !errors.Is(err, socket.ErrConnect) {
		t.Fatalf("err=%v", err)
	}
	if s.IsConnected() || s.Channel() != 0 {
		t.Fatalf("failed connect left state behind")
	}
}
