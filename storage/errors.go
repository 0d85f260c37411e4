package storage

import (
	"errors"
	"fmt"
)

var (
	ErrPayloadNotFound   = errors.New("payload not found")
	ErrInvalidLocation   = errors.New("invalid payload location")
	ErrUnsupportedScheme = errors.New("unsupported payload scheme")
)

// IOError is returned for any payload that could not be located or read.
type IOError struct {
	Location string
	Err      error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("could not read payload %s: %v", e.Location, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func ioError(location string, err error) error {
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return err
	}
	return &IOError{Location: location, Err: err}
}
