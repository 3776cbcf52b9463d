package serial

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Port is the byte stream of a serial CAN adapter.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens the adapter's UART at baud, 8N1. readTimeout bounds each Read
// so the RX loop can notice shutdown; a timed out Read returns io.EOF.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		return nil, fmt.Errorf("serial %s: %w", name, err)
	}
	return p, nil
}
