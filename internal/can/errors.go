package can

import (
	"errors"
	"fmt"
)

// Sentinel errors returned (wrapped in *ValidationError) by Frame mutators.
var (
	ErrInvalidFormat     = errors.New("can: invalid frame format")
	ErrInvalidIdentifier = errors.New("can: identifier out of range")
	ErrInvalidLength     = errors.New("can: data length out of range")
	ErrInvalidDLC        = errors.New("can: dlc out of range")
	ErrInvalidIndex      = errors.New("can: payload index out of range")
	ErrInvalidByte       = errors.New("can: byte value out of range")
	ErrUnsupported       = errors.New("can: not supported by frame format")
)

// ValidationError describes a rejected field update. The frame it was
// raised for is left unchanged.
type ValidationError struct {
	Field  string
	Value  int64
	Limit  int64
	Format Format
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s=%d (limit %d, %s)", e.Err, e.Field, e.Value, e.Limit, e.Format)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(err error, field string, value, limit int64, f Format) error {
	return &ValidationError{Field: field, Value: value, Limit: limit, Format: f, Err: err}
}
