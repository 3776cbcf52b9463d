// Command can-send writes frames given in candump notation to a QCan channel.
//
//	can-send -channel 2 123#DEADBEEF 1ABCDEF0##3AABB
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kstaniek/go-qcan/internal/can"
	"github.com/kstaniek/go-qcan/internal/logging"
	"github.com/kstaniek/go-qcan/internal/socket"
	"github.com/kstaniek/go-qcan/internal/transport"
)

type options struct {
	host     string
	basePort int
	channel  int
	timeout  time.Duration
	gap      time.Duration
	repeat   int
	discover bool
	logLevel string
	frames   []can.Frame
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("can-send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.host, "host", "127.0.0.1", "QCan server host")
	fs.IntVar(&o.basePort, "base-port", transport.DefaultBasePort, "Server base port (channel n is base-port+n)")
	fs.IntVar(&o.channel, "channel", 1, "CAN channel (1..8)")
	fs.DurationVar(&o.timeout, "timeout", 3*time.Second, "Connect and flush timeout")
	fs.DurationVar(&o.gap, "gap", 0, "Pause between frames")
	fs.IntVar(&o.repeat, "repeat", 1, "Send the frame list this many times")
	fs.BoolVar(&o.discover, "discover", false, "Locate the server via mDNS instead of -host/-base-port")
	fs.StringVar(&o.logLevel, "log-level", "warn", "Log level: debug|info|warn|error")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: can-send [flags] FRAME...")
		fmt.Fprintln(stderr, "  FRAME is ID#DATA (classic), ID#R (remote) or ID##FLAGS[DATA] (CAN-FD)")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.channel < socket.MinChannel || o.channel > socket.MaxChannel {
		return nil, fmt.Errorf("channel %d out of range %d..%d", o.channel, socket.MinChannel, socket.MaxChannel)
	}
	if o.repeat < 1 {
		return nil, errors.New("-repeat must be >= 1")
	}
	if fs.NArg() == 0 {
		return nil, errors.New("no frames given")
	}
	for _, s := range fs.Args() {
		fr, err := can.ParseFrame(s)
		if err != nil {
			return nil, err
		}
		o.frames = append(o.frames, fr)
	}
	return o, nil
}

// discover is a hook for tests.
var discover = transport.Discover

// run connects, writes every frame and waits for them to leave the socket.
// Backpressure is retried until the timeout.
func run(ctx context.Context, o *options, l *slog.Logger) error {
	d := &transport.TCPDialer{Host: o.host, BasePort: o.basePort, Logger: l}
	if o.discover {
		dctx, cancel := context.WithTimeout(ctx, o.timeout)
		found, err := discover(dctx)
		cancel()
		if err != nil {
			return err
		}
		d.Host, d.BasePort = found.Host, found.BasePort
	}
	s := socket.New(d, socket.WithLogger(l))
	if err := s.Connect(ctx, o.channel, o.timeout); err != nil {
		return err
	}
	defer s.Disconnect()

	for i := 0; i < o.repeat; i++ {
		for _, fr := range o.frames {
			if err := write(ctx, s, fr, o.timeout); err != nil {
				return err
			}
			if o.gap > 0 {
				select {
				case <-time.After(o.gap):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
	fctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if err := s.Flush(fctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	l.Info("frames_sent", "count", s.Stats().Tx)
	return nil
}

func write(ctx context.Context, s *socket.Socket, fr can.Frame, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := s.Write(fr)
		if !errors.Is(err, socket.ErrBackpressure) || time.Now().After(deadline) {
			return err
		}
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func main() {
	o, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "can-send: %v\n", err)
		os.Exit(2)
	}
	lvl, err := logging.ParseLevel(o.logLevel)
	if err != nil {
		lvl = slog.LevelWarn
	}
	l := logging.New("text", lvl, os.Stderr).With("app", "can-send")
	logging.Set(l)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, o, l); err != nil {
		l.Error("can_send_failed", "error", err)
		os.Exit(1)
	}
}
