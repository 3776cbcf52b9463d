package qcn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Hello is exchanged by both peers before any frame record.
const Hello = "QCANv1"

// ErrBadHello is returned when the peer greets with anything but Hello.
var ErrBadHello = errors.New("qcn: bad hello")

// Handshake sends Hello and waits for the peer's Hello, bounded by timeout and ctx.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if deadlineErr := c.SetDeadline(time.Now().Add(timeout)); deadlineErr != nil {
		return fmt.Errorf("set deadline: %w", deadlineErr)
	}

	errCh := make(chan error, 2)

	go func() {
		_, err := io.WriteString(c, Hello)
		errCh <- err
	}()

	go func() {
		buf := make([]byte, len(Hello))
		_, err := io.ReadFull(c, buf)
		if err == nil && string(buf) != Hello {
			err = fmt.Errorf("%w: %q", ErrBadHello, buf)
		}
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			// Unblock the helpers; the caller is expected to close c.
			_ = c.SetDeadline(time.Now())
			return ctx.Err()
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("handshake: %w", err)
			}
		}
	}
	return c.SetDeadline(time.Time{})
}
