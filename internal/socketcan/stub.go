//go:build !linux

package socketcan

import (
	"errors"

	"github.com/kstaniek/go-qcan/internal/can"
)

// ErrUnsupportedPlatform is returned by Open outside Linux.
var ErrUnsupportedPlatform = errors.New("socketcan: only supported on linux")

type Device struct{}

func Open(string, bool) (*Device, error) { return nil, ErrUnsupportedPlatform }

func (*Device) Close() error               { return nil }
func (*Device) ReadFrame(*can.Frame) error { return ErrUnsupportedPlatform }
func (*Device) WriteFrame(can.Frame) error { return ErrUnsupportedPlatform }
