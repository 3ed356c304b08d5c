package core

import "github.com/pkg/errors"

// Error kinds. Malformed input is reported against the offending node or edge
// and is never retried; internal errors mean an earlier pass left the graph or
// descriptor in a state that should be impossible.
var (
	ErrMalformed         = errors.New("malformed input")
	ErrInternal          = errors.New("internal consistency failure")
	ErrUnsupportedFormat = errors.Wrap(ErrMalformed, "unsupported format conversion")
)

// Malformedf wraps ErrMalformed with context.
func Malformedf(format string, args ...any) error {
	return errors.Wrapf(ErrMalformed, format, args...)
}

// Internalf wraps ErrInternal with context.
func Internalf(format string, args ...any) error {
	return errors.Wrapf(ErrInternal, format, args...)
}

// IsMalformed reports whether err stems from bad input.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed)
}

// IsInternal reports whether err is an internal-consistency failure.
func IsInternal(err error) bool {
	return errors.Is(err, ErrInternal)
}
