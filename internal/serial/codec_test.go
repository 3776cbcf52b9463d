package serial

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-qcan/internal/can"
	"github.com/kstaniek/go-qcan/internal/metrics"
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

func TestSerialCodec_Layout(t *testing.T) {
	b, err := Codec{}.Encode(frame(t, "00001E5A#347B"))
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x2D, 0xD4, 0x08, 0x82, 0x00, 0x00, 0x1E, 0x5A, 0x34, 0x7B}
	if !bytes.Equal(b[:len(want)], want) {
		t.Fatalf("encoded % X", b)
	}
	var sum byte = 0x2D
	for _, c := range b[2 : len(b)-1] {
		sum += c
	}
	if b[len(b)-1] != sum {
		t.Fatalf("checksum %02X want %02X", b[len(b)-1], sum)
	}
}

func TestSerialCodec_RoundTrip_Chunked(t *testing.T) {
	codec := Codec{}
	want := []can.Frame{
		frame(t, "00001E5A#347B70D794100DF7"),
		frame(t, "123#A1B2C3D4E5F6"),
		frame(t, "7FF#"),
		frame(t, "01ABCDEF#R3"),
		frame(t, "001#DEADBE"),
	}
	var stream []byte
	for _, fr := range want {
		b, err := codec.Encode(fr)
		if err != nil {
			t.Fatal(err)
		}
		stream = append(stream, b...)
	}

	var buf bytes.Buffer
	var got []can.Frame
	// Irregular chunks stress preamble alignment and partial messages.
	chunkSizes := []int{1, 2, 3, 4, 5, 7, 11}
	for pos, cs := 0, 0; pos < len(stream); cs++ {
		n := min(chunkSizes[cs%len(chunkSizes)], len(stream)-pos)
		buf.Write(stream[pos : pos+n])
		pos += n
		if err := codec.DecodeStream(&buf, func(fr can.Frame) { got = append(got, fr) }); err != nil {
			t.Fatalf("DecodeStream error: %v", err)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestSerialCodec_RejectsFD(t *testing.T) {
	if _, err := (Codec{}).Encode(frame(t, "123##0AA")); !errors.Is(err, can.ErrUnsupported) {
		t.Fatalf("err=%v", err)
	}
	busErr, _ := can.NewErrorFrame(can.ErrorInfo{State: can.StateBusOff})
	if _, err := (Codec{}).Encode(busErr); !errors.Is(err, can.ErrUnsupported) {
		t.Fatalf("error frame err=%v", err)
	}
}

func TestDecodeStreamMalformed(t *testing.T) {
	codec := Codec{}
	good, _ := codec.Encode(frame(t, "101#AA"))
	bad := append([]byte(nil), good...)
	bad[len(bad)-1] ^= 0xFF
	// dlc says 2 but only one data byte follows
	short := envelope([]byte{0x02, 0, 0, 0x01, 0x02, 0xAA})

	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x13})
	buf.Write(bad)
	buf.Write(short)
	buf.Write(good)
	before := metrics.Snap().Malformed
	var got []can.Frame
	if err := codec.DecodeStream(&buf, func(fr can.Frame) { got = append(got, fr) }); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Identifier() != 0x101 {
		t.Fatalf("got %v", got)
	}
	if metrics.Snap().Malformed < before+2 {
		t.Fatalf("malformed not counted")
	}
}

// fakePort records writes.
type fakePort struct {
	mu     sync.Mutex
	writes [][]byte
	block  chan struct{}
}

func (p *fakePort) Read([]byte) (int, error) { return 0, nil }
func (p *fakePort) Close() error             { return nil }
func (p *fakePort) Write(b []byte) (int, error) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	p.mu.Unlock()
	return len(b), nil
}

func TestTXWriter(t *testing.T) {
	p := &fakePort{}
	w := NewTXWriter(context.Background(), p, Codec{}, 4)
	defer w.Close()
	if err := w.SendFrame(frame(t, "321#01")); err != nil {
		t.Fatal(err)
	}
	if err := w.SendFrame(frame(t, "321##0")); !errors.Is(err, can.ErrUnsupported) {
		t.Fatalf("FD err=%v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		p.mu.Lock()
		n := len(p.writes)
		p.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("writes=%d", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTXWriterOverflow(t *testing.T) {
	p := &fakePort{block: make(chan struct{})}
	w := NewTXWriter(context.Background(), p, Codec{}, 1)
	defer w.Close()
	defer close(p.block)
	fr := frame(t, "001#")
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = w.SendFrame(fr)
	}
	if !errors.Is(err, transport.ErrTxOverflow) {
		t.Fatalf("err=%v", err)
	}
}
