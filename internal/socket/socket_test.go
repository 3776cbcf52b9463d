package socket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-qcan/internal/can"
	"github.com/kstaniek/go-qcan/internal/filter"
	"github.com/kstaniek/go-qcan/internal/logging"
	"github.com/kstaniek/go-qcan/internal/transport"
)

func frame(t *testing.T, s string) can.Frame {
	t.Helper()
	fr, err := can.ParseFrame(s)
	if err != nil {
		t.Fatal(err)
	}
	return fr
}

func connected(t *testing.T, p *transport.Pipe, ch int, opts ...Option) *Socket {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	s := New(p, opts...)
	if err := s.Connect(context.Background(), ch, time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Disconnect)
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestConnect_ChannelRange(t *testing.T) {
	p := transport.NewPipe(4)
	s := New(p, WithLogger(logging.Discard()))
	for _, ch := range []int{0, 9, -1} {
		if err := s.Connect(context.Background(), ch, time.Second); !errors.Is(err, ErrInvalidChannel) {
			t.Fatalf("channel %d err=%v", ch, err)
		}
	}
	if p.Dials() != 0 {
		t.Fatalf("invalid channel must not dial")
	}
	for _, ch := range []int{1, 8} {
		if err := s.Connect(context.Background(), ch, time.Second); err != nil {
			t.Fatalf("channel %d: %v", ch, err)
		}
		if s.Channel() != ch || !s.IsConnected() {
			t.Fatalf("state after connect ch=%d connected=%v", s.Channel(), s.IsConnected())
		}
		s.Disconnect()
	}
}

func TestConnect_Twice(t *testing.T) {
	p := transport.NewPipe(4)
	s := connected(t, p, 1)
	if err := s.Connect(context.Background(), 2, time.Second); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("err=%v", err)
	}
	if s.Channel() != 1 {
		t.Fatalf("channel changed to %d", s.Channel())
	}
}

func TestConnect_TimeoutRollsBack(t *testing.T) {
	p := transport.NewPipe(4)
	p.SetUnreachable(true)
	s := New(p, WithLogger(logging.Discard()))
	start := time.Now()
	err := s.Connect(context.Background(), 1, 50*time.Millisecond)
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("err=%v want ErrConnect", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not honoured")
	}
	if s.IsConnected() || s.Channel() != 0 || s.FramesAvailable() != 0 || s.Done() != nil {
		t.Fatalf("residual state after failed connect")
	}
	var out can.Frame
	if s.Read(&out) {
		t.Fatalf("read on failed socket")
	}
	if err := s.Write(frame(t, "123#00")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("write err=%v", err)
	}
	p.SetUnreachable(false)
	if err := s.Connect(context.Background(), 1, time.Second); err != nil {
		t.Fatalf("retry: %v", err)
	}
	s.Disconnect()
}

func TestConnect_ZeroTimeoutUsesDefault(t *testing.T) {
	orig := DefaultConnectTimeout
	defer func() { DefaultConnectTimeout = orig }()
	DefaultConnectTimeout = 50 * time.Millisecond

	p := transport.NewPipe(4)
	p.SetUnreachable(true)
	s := New(p, WithLogger(logging.Discard()))
	for _, timeout := range []time.Duration{0, -time.Second} {
		start := time.Now()
		done := make(chan error, 1)
		go func() { done <- s.Connect(context.Background(), 1, timeout) }()
		select {
		case err := <-done:
			if !errors.Is(err, ErrConnect) {
				t.Fatalf("timeout %v: err=%v want ErrConnect", timeout, err)
			}
			if time.Since(start) < DefaultConnectTimeout {
				t.Fatalf("timeout %v: returned before the default deadline", timeout)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout %v: connect blocked", timeout)
		}
	}
	if s.IsConnected() {
		t.Fatalf("connected after timeouts")
	}
}

func TestConnect_DialError(t *testing.T) {
	p := transport.NewPipe(4)
	refused := errors.New("connection refused")
	p.SetDialError(refused)
	s := New(p, WithLogger(logging.Discard()))
	if err := s.Connect(context.Background(), 3, time.Second); !errors.Is(err, ErrConnect) {
		t.Fatalf("err=%v", err)
	}
}

func TestWrite(t *testing.T) {
	p := transport.NewPipe(1)
	s := connected(t, p, 2)
	fr := frame(t, "123#DEADBEEF")
	if err := s.Write(fr); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = fr.SetByte(0, 0)
	if got := <-p.Sent(2); got.Byte(0) != 0xDE {
		t.Fatalf("written frame aliased caller copy: %v", got)
	}
	if err := s.Write(fr); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Write(fr); !errors.Is(err, ErrBackpressure) || !errors.Is(err, transport.ErrTxOverflow) {
		t.Fatalf("overflow err=%v", err)
	}
	if s.Stats().Tx != 2 {
		t.Fatalf("tx=%d", s.Stats().Tx)
	}
}

func TestRead_FIFOAndNonBlocking(t *testing.T) {
	p := transport.NewPipe(1)
	s := connected(t, p, 1)
	var out can.Frame
	if s.Read(&out) {
		t.Fatalf("empty queue returned a frame")
	}
	in := []can.Frame{frame(t, "001#01"), frame(t, "002#02"), frame(t, "003#03")}
	for _, fr := range in {
		p.Inject(1, fr)
	}
	if s.FramesAvailable() != 3 {
		t.Fatalf("available=%d", s.FramesAvailable())
	}
	for i, want := range in {
		if !s.Read(&out) || out != want {
			t.Fatalf("read %d = %v want %v", i, out, want)
		}
	}
	if s.Read(&out) {
		t.Fatalf("drained queue returned a frame")
	}
}

func TestRead_FiltersApplyToQueuedFrames(t *testing.T) {
	p := transport.NewPipe(1)
	s := connected(t, p, 1)
	p.Inject(1, frame(t, "050#00"))
	p.Inject(1, frame(t, "150#00"))
	p.Inject(1, frame(t, "250#00"))

	f, _ := filter.AcceptRange(can.ClassicStandard, 0x100, 0x1FF)
	s.AddFilter(f)

	var out can.Frame
	if !s.Read(&out) || out.Identifier() != 0x150 {
		t.Fatalf("read %v", out)
	}
	if s.Read(&out) {
		t.Fatalf("0x250 should have been filtered")
	}
	st := s.Stats()
	if st.Filtered != 2 || st.Rx != 3 {
		t.Fatalf("stats %+v", st)
	}
}

func TestRead_FilterOR(t *testing.T) {
	p := transport.NewPipe(1)
	s := connected(t, p, 1)
	a, _ := filter.AcceptRange(can.ClassicStandard, 0x100, 0x1FF)
	b, _ := filter.AcceptRange(can.ClassicExtended, 0x1000, 0x1FFF)
	s.AddFilter(a)
	s.AddFilter(b)
	p.Inject(1, frame(t, "00001234#00"))
	p.Inject(1, frame(t, "300#00"))
	p.Inject(1, frame(t, "101#00"))
	var got []uint32
	var out can.Frame
	for s.Read(&out) {
		got = append(got, out.Identifier())
	}
	if len(got) != 2 || got[0] != 0x1234 || got[1] != 0x101 {
		t.Fatalf("got %X", got)
	}
}

func TestRead_ErrorFramesBypassFilters(t *testing.T) {
	p := transport.NewPipe(1)
	s := connected(t, p, 1)
	rej, _ := filter.RejectRange(can.ClassicStandard, 0x000, 0x7FF)
	s.AddFilter(rej)
	busErr, err := can.NewErrorFrame(can.ErrorInfo{State: can.StateBusWarn, RxErrors: 100})
	if err != nil {
		t.Fatal(err)
	}
	p.Inject(1, frame(t, "000#00"))
	p.Inject(1, busErr)
	var out can.Frame
	if !s.Read(&out) || out != busErr {
		t.Fatalf("read %v want %v", out, busErr)
	}
	if s.Read(&out) {
		t.Fatalf("unexpected frame %v", out)
	}
	if st := s.Stats(); st.Filtered != 1 {
		t.Fatalf("filtered=%d want 1", st.Filtered)
	}
}

func TestQueueOverflowDrops(t *testing.T) {
	p := transport.NewPipe(1)
	s := connected(t, p, 1, WithQueueSize(2))
	for i := 0; i < 5; i++ {
		p.Inject(1, frame(t, "010#00"))
	}
	st := s.Stats()
	if st.Rx != 2 || st.Dropped != 3 || s.FramesAvailable() != 2 {
		t.Fatalf("stats %+v available %d", st, s.FramesAvailable())
	}
}

func TestDisconnect(t *testing.T) {
	p := transport.NewPipe(1)
	s := New(p, WithLogger(logging.Discard()))
	s.Disconnect() // no-op when never connected
	if err := s.Connect(context.Background(), 4, time.Second); err != nil {
		t.Fatal(err)
	}
	f, _ := filter.AcceptRange(can.ClassicStandard, 1, 1)
	s.AddFilter(f)
	p.Inject(4, frame(t, "001#00"))
	done := s.Done()
	s.Disconnect()
	s.Disconnect()
	select {
	case <-done:
	default:
		t.Fatalf("Done not closed by Disconnect")
	}
	if s.IsConnected() || s.FramesAvailable() != 0 || s.Filters().Len() != 0 {
		t.Fatalf("state after disconnect")
	}
	var out can.Frame
	if s.Read(&out) {
		t.Fatalf("read after disconnect")
	}
	if err := s.Write(frame(t, "001#00")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("write err=%v", err)
	}
	if p.Inject(4, frame(t, "001#00")) {
		t.Fatalf("link still open after disconnect")
	}
}

func TestLinkLost(t *testing.T) {
	p := transport.NewPipe(1)
	s := connected(t, p, 5)
	p.Inject(5, frame(t, "7FF#AA"))
	p.Drop(5, errors.New("peer reset"))
	waitFor(t, func() bool { return !s.IsConnected() })
	<-s.Done()
	if !errors.Is(s.Err(), transport.ErrLinkLost) {
		t.Fatalf("Err=%v", s.Err())
	}
	var out can.Frame
	if !s.Read(&out) || out.Identifier() != 0x7FF {
		t.Fatalf("frames queued before loss must stay readable")
	}
	if err := s.Write(frame(t, "001#00")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("write err=%v", err)
	}
	if err := s.Connect(context.Background(), 5, time.Second); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if s.Err() != nil {
		t.Fatalf("Err not reset on reconnect")
	}
}

func TestConcurrentReadWrite(t *testing.T) {
	p := transport.NewPipe(1024)
	s := connected(t, p, 1)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			fr, _ := can.New(can.ClassicStandard, uint32(i&0x7FF), 0)
			p.Inject(1, fr)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = s.Write(can.Frame{})
		}
	}()
	var read int
	go func() {
		defer wg.Done()
		var out can.Frame
		deadline := time.Now().Add(2 * time.Second)
		for read < 500 && time.Now().Before(deadline) {
			if s.Read(&out) {
				read++
			}
		}
	}()
	wg.Wait()
	if read != 500 {
		t.Fatalf("read %d frames", read)
	}
}

func TestFlush(t *testing.T) {
	p := transport.NewPipe(4)
	s := New(p, WithLogger(logging.Discard()))
	if err := s.Flush(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("flush before connect err=%v", err)
	}
	if err := s.Connect(context.Background(), 1, time.Second); err != nil {
		t.Fatal(err)
	}
	defer s.Disconnect()
	// pipe links write synchronously, nothing to wait for
	if err := s.Write(frame(t, "123#01")); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}
