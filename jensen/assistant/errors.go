package assistant

import (
	"errors"
	"fmt"
)

// ErrEmptyInput is returned for user text that is blank after trimming.
var ErrEmptyInput = errors.New("empty input")

// ExchangeError reports a failed exchange. The user turn of a failed
// exchange is never committed.
type ExchangeError struct {
	ID string
	// Overflow is set when the prompt still overflowed after the history was
	// shrunk, or when it could not be shrunk any further.
	Overflow bool
	Err      error
}

func (e *ExchangeError) Error() string {
	if e.Overflow {
		return fmt.Sprintf("exchange %s: context overflow: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("exchange %s: %v", e.ID, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }
