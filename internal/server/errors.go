package server

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-qcan/internal/metrics"
)

// Sentinels wrapped into every error the server records; classify with errors.Is.
var (
	ErrListen    = errors.New("server: listen")
	ErrAccept    = errors.New("server: accept")
	ErrHandshake = errors.New("server: handshake")
	ErrConnRead  = errors.New("server: client read")
	ErrConnWrite = errors.New("server: client write")
	ErrBackendTx = errors.New("server: backend send")
	ErrShutdown  = errors.New("server: shutdown timed out")

	// ends a writer loop without an error to report
	errClientGone = errors.New("client gone")
)

// errorLabels gives the metrics label counted for each sentinel.
var errorLabels = []struct {
	sentinel error
	label    string
}{
	{ErrListen, metrics.ErrTCPRead},
	{ErrAccept, metrics.ErrTCPRead},
	{ErrConnRead, metrics.ErrTCPRead},
	{ErrConnWrite, metrics.ErrTCPWrite},
	{ErrHandshake, metrics.ErrHandshake},
	{ErrBackendTx, metrics.ErrBackendWrite},
}

func errorLabel(err error) string {
	for _, e := range errorLabels {
		if errors.Is(err, e.sentinel) {
			return e.label
		}
	}
	return "other"
}

// fail wraps cause in sentinel, counts it and keeps it as the last error.
func (s *Server) fail(sentinel, cause error) error {
	err := fmt.Errorf("%w: %v", sentinel, cause)
	metrics.IncError(errorLabel(err))
	s.setError(err)
	return err
}
