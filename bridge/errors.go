package bridge

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	ErrUnsupportedFeature = errors.New("unsupported feature")
	ErrNotFound           = errors.New("not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrAlreadyExists      = errors.New("already exists")
	ErrConnectionLost     = errors.New("connection lost")
	ErrPartialFailure     = errors.New("partial failure")
	ErrAborted            = errors.New("aborted")
)

// OpError records the operation, side and path of a failed bridge call.
type OpError struct {
	Op   string
	Side Side
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Side, e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Classify maps io/fs errors onto the taxonomy. Errors that already carry a
// taxonomy sentinel, and errors it does not know, are returned unchanged.
func Classify(err error) error {
	if err == nil || IsTaxonomy(err) {
		return err
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	}
	return err
}

// IsTaxonomy reports whether err already matches one of the sentinel errors.
func IsTaxonomy(err error) bool {
	for _, s := range []error{
		ErrUnsupportedFeature, ErrNotFound, ErrPermissionDenied, ErrAlreadyExists,
		ErrConnectionLost, ErrPartialFailure, ErrAborted,
	} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

// Recoverable errors affect a single entry only; a best-effort job keeps going.
func Recoverable(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrUnsupportedFeature)
}
