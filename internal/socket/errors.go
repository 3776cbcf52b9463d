package socket

import "errors"

// Sentinel errors. Usage errors (ErrInvalidChannel, ErrAlreadyConnected) are
// returned unwrapped; connection and backpressure failures wrap their cause.
var (
	ErrInvalidChannel   = errors.New("socket: channel out of range")
	ErrAlreadyConnected = errors.New("socket: already connected")
	ErrNotConnected     = errors.New("socket: not connected")
	ErrConnect          = errors.New("socket: connect failed")
	ErrBackpressure     = errors.New("socket: transport backpressure")
)
