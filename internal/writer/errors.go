package writer

import (
	"errors"
	"fmt"
)

// Kind classifies write failures
type Kind int

const (
	// Transient failures may succeed when retried: connection loss, deadlock, timeout
	Transient Kind = iota + 1
	// Terminal failures never succeed as is: constraint violation, type mismatch, schema drift
	Terminal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// WriteError is a classified store failure
type WriteError struct {
	Kind Kind
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s write error: %v", e.Kind, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transient write failure
func IsTransient(err error) bool {
	var werr *WriteError
	return errors.As(err, &werr) && werr.Kind == Transient
}
