package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/kstaniek/go-qcan/internal/can"
	"github.com/kstaniek/go-qcan/internal/logging"
	"github.com/kstaniek/go-qcan/internal/server"
	"github.com/kstaniek/go-qcan/internal/transport"
)

// startServer runs channel 1 on an ephemeral loopback port and returns the
// matching base port.
func startServer(t *testing.T) (*server.Server, int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := server.NewServer(server.WithChannel(1), server.WithListenAddr("127.0.0.1:0"), server.WithLogger(logging.Discard()))
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		cancel()
		t.Fatalf("server not ready")
	}
	t.Cleanup(func() {
		cancel()
		sctx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		_ = srv.Shutdown(sctx)
	})
	_, portText, _ := net.SplitHostPort(srv.Addr())
	port, _ := strconv.Atoi(portText)
	return srv, port - 1
}

func waitClients(t *testing.T, srv *server.Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients=%d want %d", srv.Hub.Count(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func mustParse(t *testing.T, s string) can.Frame {
	t.Helper()
	fr, err := can.ParseFrame(s)
	if err != nil {
		t.Fatal(err)
	}
	return fr
}

func TestParseArgs(t *testing.T) {
	o, err := parseArgs([]string{"-channel", "4", "-accept", "cbff:100-1ff", "-accept", "feff:18ff0000-18ffffff", "-reject", "cbff:150"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if o.channel != 4 || len(o.accept.filters) != 2 || len(o.reject.filters) != 1 {
		t.Fatalf("parsed %+v", o)
	}
	for _, args := range [][]string{
		{"-channel", "9"},
		{"-channel", "0"},
		{"-accept", "cbff"},
		{"-reject", "xx:1-2"},
		{"-n", "-1"},
	} {
		if _, err := parseArgs(args, io.Discard); err == nil {
			t.Fatalf("accepted %v", args)
		}
	}
}

func TestRunPrintsFilteredFrames(t *testing.T) {
	srv, base := startServer(t)
	o, err := parseArgs([]string{
		"-host", "127.0.0.1", "-base-port", strconv.Itoa(base),
		"-n", "2", "-interval", "1ms", "-accept", "cbff:100-1ff",
	}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- run(context.Background(), o, &out, logging.Discard()) }()
	waitClients(t, srv, 1)

	for _, s := range []string{"200#00", "123#AA", "7FF#01", "1AB#BBCC"} {
		srv.Inject(mustParse(t, s))
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop after -n frames")
	}
	if want := "ch1 123#AA\nch1 1AB#BBCC\n"; out.String() != want {
		t.Fatalf("output %q want %q", out.String(), want)
	}
}

func TestRunReportsLinkLoss(t *testing.T) {
	srv, base := startServer(t)
	o := &options{host: "127.0.0.1", basePort: base, channel: 1, timeout: time.Second, interval: time.Millisecond}
	done := make(chan error, 1)
	go func() { done <- run(context.Background(), o, io.Discard, logging.Discard()) }()
	waitClients(t, srv, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	select {
	case err := <-done:
		if !errors.Is(err, transport.ErrLinkLost) {
			t.Fatalf("err=%v want ErrLinkLost", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not notice the lost link")
	}
}

func TestRunDiscover(t *testing.T) {
	srv, base := startServer(t)
	orig := discover
	defer func() { discover = orig }()
	discover = func(context.Context) (*transport.TCPDialer, error) {
		return &transport.TCPDialer{Host: "127.0.0.1", BasePort: base}, nil
	}
	o := &options{host: "192.0.2.1", basePort: 1, channel: 1, timeout: time.Second, interval: time.Millisecond, count: 1, discover: true}
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- run(context.Background(), o, &out, logging.Discard()) }()
	waitClients(t, srv, 1)
	srv.Inject(mustParse(t, "123##1AA"))
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not finish")
	}
	if out.String() != "ch1 123##1AA\n" {
		t.Fatalf("output %q", out.String())
	}

	discover = func(context.Context) (*transport.TCPDialer, error) { return nil, transport.ErrNotFound }
	if err := run(context.Background(), o, io.Discard, logging.Discard()); !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestRunRejectVetoesAccepted(t *testing.T) {
	srv, base := startServer(t)
	o, err := parseArgs([]string{
		"-host", "127.0.0.1", "-base-port", strconv.Itoa(base),
		"-n", "2", "-interval", "1ms",
		"-accept", "cbff:100-1ff", "-reject", "cbff:150",
	}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- run(context.Background(), o, &out, logging.Discard()) }()
	waitClients(t, srv, 1)

	for _, s := range []string{"150#01", "500#02", "123#03", "1FF#04"} {
		srv.Inject(mustParse(t, s))
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop after -n frames")
	}
	if want := "ch1 123#03\nch1 1FF#04\n"; out.String() != want {
		t.Fatalf("output %q want %q", out.String(), want)
	}
}

func TestVetoedRejectOnly(t *testing.T) {
	o, err := parseArgs([]string{"-reject", "cbff:150-15f"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	in, out := mustParse(t, "155#00"), mustParse(t, "500#00")
	if !vetoed(o.reject.filters, &in) || vetoed(o.reject.filters, &out) {
		t.Fatalf("reject range misapplied")
	}
}

func TestRunPrintsBusErrors(t *testing.T) {
	srv, base := startServer(t)
	o := &options{host: "127.0.0.1", basePort: base, channel: 1, timeout: time.Second, interval: time.Millisecond, count: 1}
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- run(context.Background(), o, &out, logging.Discard()) }()
	waitClients(t, srv, 1)

	busErr, err := can.NewErrorFrame(can.ErrorInfo{State: can.StateBusPassive, Type: can.ErrorAck, TxErrors: 128})
	if err != nil {
		t.Fatal(err)
	}
	srv.Inject(busErr)
	srv.Inject(mustParse(t, "123#AA"))
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not finish")
	}
	if want := "ch1 ERR passive ack rx=0 tx=128\nch1 123#AA\n"; out.String() != want {
		t.Fatalf("output %q want %q", out.String(), want)
	}
}
