package browser

import (
	"errors"
	"fmt"
)

// ErrPoolClosed is wrapped by AcquisitionError once the pool has been closed.
var ErrPoolClosed = errors.New("browser pool closed")

// AcquisitionError reports that no browser context could be leased.
type AcquisitionError struct {
	Attempts int
	Err      error
}

func (e *AcquisitionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("acquire browser context after %d attempt(s): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("acquire browser context: %v", e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}
