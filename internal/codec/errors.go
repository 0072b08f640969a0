package codec

import (
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind classifies a codec failure.
type Kind string

const (
	Oversize        Kind = "oversize"
	SchemaViolation Kind = "schema_violation"
	Truncated       Kind = "truncated"
	TrailingBytes   Kind = "trailing_bytes"
)

var (
	ErrOversize        = &Error{Kind: Oversize}
	ErrSchemaViolation = &Error{Kind: SchemaViolation}
	ErrTruncated       = &Error{Kind: Truncated}
	ErrTrailingBytes   = &Error{Kind: TrailingBytes}
)

// Error is returned for schema, size, or framing violations.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("codec error: %s", e.Kind)
	}
	return fmt.Sprintf("codec error: %s: %s", e.Kind, e.Message)
}

// Is matches on Kind only.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// wireError maps a negative protowire length into a codec error.
func wireError(n int, what string) error {
	err := protowire.ParseError(n)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return errorf(Truncated, "%s: %v", what, err)
	}
	return errorf(SchemaViolation, "%s: %v", what, err)
}
