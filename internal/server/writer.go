package server

import (
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-qcan/internal/can"
	"github.com/kstaniek/go-qcan/internal/hub"
	"github.com/kstaniek/go-qcan/internal/metrics"
)

// batchWriter collects frames for one client and writes them as a run of
// records once the batch is full or the flush ticker fires.
type batchWriter struct {
	s     *Server
	conn  net.Conn
	batch []can.Frame
}

func (w *batchWriter) add(fr can.Frame) error {
	w.batch = append(w.batch, fr)
	if len(w.batch) < cap(w.batch) {
		return nil
	}
	return w.flush()
}

func (w *batchWriter) flush() error {
	n := len(w.batch)
	if n == 0 {
		return nil
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.s.writeTimeout))
	_, err := w.s.Codec.EncodeTo(w.conn, w.batch)
	w.batch = w.batch[:0]
	if err != nil {
		return w.s.fail(ErrConnWrite, err)
	}
	metrics.AddTCPTx(n)
	return nil
}

// startWriter pushes the client's hub frames to conn. It owns the client's
// teardown: whichever way the loop ends the client leaves the hub.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w := &batchWriter{s: s, conn: conn, batch: make([]can.Frame, 0, s.batchSize)}
		t := time.NewTicker(s.flushInterval)
		var err error
		for err == nil {
			select {
			case fr := <-cl.Out:
				err = w.add(fr)
			case <-t.C:
				err = w.flush()
			case <-cl.Closed:
				_ = w.flush()
				err = errClientGone
			case <-ctxDone:
				_ = w.flush()
				err = errClientGone
			}
		}
		t.Stop()
		if err != errClientGone {
			logger.Debug("client_write_error", "error", err)
		}
		_ = conn.Close()
		s.forget(cl)
		s.totalDisconnected.Add(1)
		logger.Info("client_disconnected")
	}()
}
