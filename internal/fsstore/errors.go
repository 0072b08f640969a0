package fsstore

import (
	"errors"
	"fmt"
)

// Kind classifies a filesystem or format-level failure.
type Kind string

const (
	KindIO                       Kind = "io"
	KindLocked                   Kind = "locked"
	KindCorruptHeader            Kind = "corrupt_header"
	KindFormatVersionUnsupported Kind = "format_version_unsupported"
)

var (
	ErrIO                       = &Error{Kind: KindIO}
	ErrLocked                   = &Error{Kind: KindLocked}
	ErrCorruptHeader            = &Error{Kind: KindCorruptHeader}
	ErrFormatVersionUnsupported = &Error{Kind: KindFormatVersionUnsupported}
)

// Error is a store-level failure. Op names the operation ("write", "rename",
// "lock", ...) and Path the file involved, when known.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("store error: %s", e.Kind)
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind only.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func ioErr(op, path string, err error) error {
	return &Error{Kind: KindIO, Op: op, Path: path, Err: err}
}
