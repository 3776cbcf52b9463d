package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-qcan/internal/can"
	"github.com/kstaniek/go-qcan/internal/hub"
	"github.com/kstaniek/go-qcan/internal/metrics"
	"github.com/kstaniek/go-qcan/internal/qcn"
	"github.com/kstaniek/go-qcan/internal/transport"
)

// decodeBatch bounds how many records one DecodeN call drains.
const decodeBatch = 16

func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			cl.Close() // stops the writer
		}()
		mfd, multi := s.Codec.(transport.MultiFrameDecoder)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			var err error
			if multi {
				_, err = mfd.DecodeN(conn, decodeBatch, func(fr can.Frame) { s.handleFrame(fr, cl, logger) })
			} else {
				var fr can.Frame
				if fr, err = s.Codec.Decode(conn); err == nil {
					s.handleFrame(fr, cl, logger)
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				if errors.Is(err, qcn.ErrChecksum) || errors.Is(err, qcn.ErrInvalidFrame) {
					// Records are fixed size; the stream is still aligned.
					logger.Warn("malformed_record", "error", err)
					continue
				}
				logger.Debug("client_read_error", "error", s.fail(ErrConnRead, err))
				return
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

// handleFrame fans a client frame out to the other clients of the channel
// and to the backend. Error frames only come from the bus; a client sending
// one is ignored.
func (s *Server) handleFrame(fr can.Frame, from *hub.Client, logger *slog.Logger) {
	if fr.IsError() {
		logger.Debug("client_error_frame_dropped", "frame", fr.String())
		return
	}
	if s.frameFilter != nil && !s.frameFilter(&fr) {
		return
	}
	metrics.IncTCPRx()
	s.Hub.Broadcast(fr, from)
	if s.Send == nil {
		return
	}
	if err := s.Send(fr); err != nil {
		if errors.Is(err, transport.ErrTxOverflow) {
			s.totalBackendOverflow.Add(1)
			metrics.IncError(metrics.ErrBackendOverflow)
			logger.Debug("backend_overflow_drop", "frame", fr.String())
			return
		}
		wrap := s.fail(ErrBackendTx, err)
		s.totalBackendErrors.Add(1)
		logger.Error("backend_tx_error", "error", wrap, "frame", fr.String())
	}
}
