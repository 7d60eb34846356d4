package mapping

import (
	"errors"
	"fmt"

	"github.com/cybertec-postgresql/kvsync/internal/source"
)

// Reason tells why an event could not be mapped
type Reason int

const (
	// MissingPrimaryKey means the event carries no usable primary key
	MissingPrimaryKey Reason = iota + 1
	// UnknownVersion means the event was produced for another mapping version
	UnknownVersion
	// MissingColumn means an upsert lacks a required field
	MissingColumn
)

func (r Reason) String() string {
	switch r {
	case MissingPrimaryKey:
		return "missing primary key"
	case UnknownVersion:
		return "unknown version"
	case MissingColumn:
		return "missing column"
	default:
		return "unknown"
	}
}

// Error is the per-event mapping failure
type Error struct {
	Reason   Reason
	Key      string
	Sequence source.Sequence
	Detail   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cannot map %s (sequence %d): %s: %s", e.Key, e.Sequence, e.Reason, e.Detail)
}

// IsMappingError reports whether err is a mapping failure
func IsMappingError(err error) bool {
	var merr *Error
	return errors.As(err, &merr)
}
