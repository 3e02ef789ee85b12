// Package errors provides small error-handling utilities shared across
// the agent.
package errors

import (
	"io"

	"github.com/rs/zerolog"
)

// DeferClose closes an io.Closer with logging instead of suppressing the
// close error. Use in defer statements around the on-disk tables and
// logs.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// CloseAll closes every closer in order, returning the first failure but
// always attempting the rest. Init paths that opened several files use it
// to unwind.
func CloseAll(closers ...io.Closer) error {
	var first error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
