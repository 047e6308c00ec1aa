package vibeflash

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds reported by the package. Use errors.Is to test for them.
var (
	// ErrHardwareInit is returned when the flash transport could not be
	// initialised after all retries.
	ErrHardwareInit = errors.New("flash hardware init failed")
	// ErrIO is returned when a single read, write or erase transfer failed.
	ErrIO = errors.New("flash i/o error")
	// ErrTimeout is returned when a ready bit was not observed within the poll limit.
	ErrTimeout = errors.New("timed out waiting for ready")
	// ErrRecoveryExhausted means neither the current nor the previous settings
	// slot held a valid record.
	ErrRecoveryExhausted = errors.New("no valid settings record")
)

// IntegrityError indicates a magic or checksum mismatch.
type IntegrityError struct {
	What   string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s integrity check failed: %s", e.What, e.Reason)
}

// BoundsError indicates a declared size that exceeds its budget.
type BoundsError struct {
	What  string
	Size  uint32
	Limit uint32
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("%s size %d exceeds limit %d", e.What, e.Size, e.Limit)
}

func ioErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrIO, format, args...)
}
