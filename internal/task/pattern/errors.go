package pattern

import (
	"errors"
	"fmt"
)

// ErrInvalidPattern is the sentinel every parse failure unwraps to.
var ErrInvalidPattern = errors.New("invalid cron pattern")

// PatternError describes why a cron expression failed to compile.
type PatternError struct {
	// Field is the calendar field being parsed, or FieldNone for
	// whole-expression problems such as a wrong field count.
	Field  Field
	Token  string
	Reason string
}

func (e *PatternError) Error() string {
	if e.Field == FieldNone {
		return fmt.Sprintf("cron: %s: %q", e.Reason, e.Token)
	}
	return fmt.Sprintf("cron: %s field %q: %s", e.Field, e.Token, e.Reason)
}

func (e *PatternError) Unwrap() error { return ErrInvalidPattern }

func fieldErr(f Field, token, format string, args ...any) error {
	return &PatternError{Field: f, Token: token, Reason: fmt.Sprintf(format, args...)}
}
