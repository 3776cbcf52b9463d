// Command can-dump prints the frames seen on one QCan channel.
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
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-qcan/internal/can"
	"github.com/kstaniek/go-qcan/internal/dispatch"
	"github.com/kstaniek/go-qcan/internal/filter"
	"github.com/kstaniek/go-qcan/internal/logging"
	"github.com/kstaniek/go-qcan/internal/socket"
	"github.com/kstaniek/go-qcan/internal/transport"
)

// rangeFlags collects repeatable -accept/-reject values.
type rangeFlags struct {
	kind    filter.Kind
	filters []filter.Filter
}

func (r *rangeFlags) String() string {
	parts := make([]string, len(r.filters))
	for i, f := range r.filters {
		parts[i] = f.String()
	}
	return strings.Join(parts, ",")
}

func (r *rangeFlags) Set(v string) error {
	f, err := filter.ParseRange(r.kind, v)
	if err != nil {
		return err
	}
	r.filters = append(r.filters, f)
	return nil
}

type options struct {
	host      string
	basePort  int
	channel   int
	timeout   time.Duration
	interval  time.Duration
	count     int
	discover  bool
	timestamp bool
	logLevel  string
	accept    rangeFlags
	reject    rangeFlags
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	o := &options{accept: rangeFlags{kind: filter.KindAccept}, reject: rangeFlags{kind: filter.KindReject}}
	fs := flag.NewFlagSet("can-dump", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.host, "host", "127.0.0.1", "QCan server host")
	fs.IntVar(&o.basePort, "base-port", transport.DefaultBasePort, "Server base port (channel n is base-port+n)")
	fs.IntVar(&o.channel, "channel", 1, "CAN channel (1..8)")
	fs.DurationVar(&o.timeout, "timeout", 3*time.Second, "Connect timeout")
	fs.DurationVar(&o.interval, "interval", 10*time.Millisecond, "Dispatch polling interval")
	fs.IntVar(&o.count, "n", 0, "Exit after n frames (0 = run until interrupted)")
	fs.BoolVar(&o.discover, "discover", false, "Locate the server via mDNS instead of -host/-base-port")
	fs.BoolVar(&o.timestamp, "t", false, "Prefix frames with a receive timestamp")
	fs.StringVar(&o.logLevel, "log-level", "warn", "Log level: debug|info|warn|error")
	fs.Var(&o.accept, "accept", "Accept FORMAT:LOW-HIGH (hex ids, repeatable), e.g. cbff:100-1ff")
	fs.Var(&o.reject, "reject", "Drop FORMAT:LOW-HIGH even when accepted (repeatable)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.channel < socket.MinChannel || o.channel > socket.MaxChannel {
		return nil, fmt.Errorf("channel %d out of range %d..%d", o.channel, socket.MinChannel, socket.MaxChannel)
	}
	if o.count < 0 {
		return nil, errors.New("-n must be >= 0")
	}
	return o, nil
}

// vetoed reports whether a -reject range covers fr. Rejects are applied after
// the socket's accept list, so "-accept cbff:100-1ff -reject cbff:150" prints
// 0x100..0x1ff except 0x150.
func vetoed(rejects []filter.Filter, fr *can.Frame) bool {
	for _, f := range rejects {
		if !f.Accepts(fr) {
			return true
		}
	}
	return false
}

// discover is a hook for tests.
var discover = transport.Discover

// run connects, prints frames to stdout and returns when ctx is cancelled,
// the link drops or -n frames were printed.
func run(ctx context.Context, o *options, stdout io.Writer, l *slog.Logger) error {
	d := &transport.TCPDialer{Host: o.host, BasePort: o.basePort, Logger: l}
	if o.discover {
		dctx, cancel := context.WithTimeout(ctx, o.timeout)
		found, err := discover(dctx)
		cancel()
		if err != nil {
			return err
		}
		d.Host, d.BasePort = found.Host, found.BasePort
		l.Info("server_discovered", "host", d.Host, "base_port", d.BasePort)
	}

	s := socket.New(d, socket.WithLogger(l))
	if err := s.Connect(ctx, o.channel, o.timeout); err != nil {
		return err
	}
	defer s.Disconnect()
	for _, f := range o.accept.filters {
		s.AddFilter(f)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		mu      sync.Mutex
		printed int
		lost    error
	)
	emit := func(fr can.Frame) {
		if o.timestamp {
			now := time.Now()
			fmt.Fprintf(stdout, "(%d.%06d) ", now.Unix(), now.Nanosecond()/1000)
		}
		fmt.Fprintf(stdout, "ch%d %s\n", o.channel, fr)
	}
	disp := dispatch.New(s, dispatch.WithInterval(o.interval), dispatch.WithLogger(l))
	disp.OnFrames(func(fr can.Frame) {
		if vetoed(o.reject.filters, &fr) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if o.count > 0 && printed >= o.count {
			return
		}
		emit(fr)
		printed++
		if o.count > 0 && printed == o.count {
			disp.Stop()
		}
	})
	// Bus errors are printed as they come and do not count towards -n.
	disp.OnBusError(func(fr can.Frame) {
		mu.Lock()
		defer mu.Unlock()
		emit(fr)
	})
	disp.OnDisconnect(func(err error) {
		mu.Lock()
		lost = err
		mu.Unlock()
		cancel()
	})
	if err := disp.Run(ctx); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if lost != nil && (o.count == 0 || printed < o.count) {
		return fmt.Errorf("disconnected: %w", lost)
	}
	return nil
}

func main() {
	o, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "can-dump: %v\n", err)
		os.Exit(2)
	}
	lvl, err := logging.ParseLevel(o.logLevel)
	if err != nil {
		lvl = slog.LevelWarn
	}
	l := logging.New("text", lvl, os.Stderr).With("app", "can-dump")
	logging.Set(l)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, o, os.Stdout, l); err != nil {
		l.Error("can_dump_failed", "error", err)
		os.Exit(1)
	}
}
