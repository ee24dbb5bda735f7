package tail

import "fmt"

// Error is returned when the poller gives up on an execution's log.
//
// It carries the cursor position so tailing can be resumed manually with
// Config.StartOffset.
type Error struct {
	ExecutionID string
	Offset      int64
	Attempts    int
	Err         error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("tail %s: giving up at offset %d after %d attempts: %v",
		e.ExecutionID, e.Offset, e.Attempts, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}
