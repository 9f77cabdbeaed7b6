package violation

import (
	"errors"
	"fmt"
)

var (
	ErrMissingType      = errors.New("finding type is empty")
	ErrConfidenceRange  = errors.New("confidence outside [0,1]")
	ErrInvalidBBox      = errors.New("bbox must be four integers with x1<x2 and y1<y2")
	ErrMissingTimestamp = errors.New("record timestamp is not set")
)

// PersistenceError reports a storage failure. Callers must not treat the
// operation as having succeeded.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persist wraps err as a *PersistenceError, or returns nil.
func Persist(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
