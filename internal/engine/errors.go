package engine

import (
	"errors"
	"fmt"

	"github.com/Dicklesworthstone/warden/internal/core"
)

var (
	// ErrStoreUnavailable marks failures where the engine refuses to decide
	// because the policy store cannot be read or written.
	ErrStoreUnavailable = errors.New("policy store unavailable")
	// ErrPatternSaveRejected is returned for an approve-and-save against a
	// decision that may not be saved.
	ErrPatternSaveRejected = errors.New("pattern save rejected")
	// ErrTokenNotFound is returned when resuming an unknown or already
	// resolved token.
	ErrTokenNotFound = errors.New("pending token not found")
	// ErrInvalidOutcome is returned when resuming with something other
	// than approved, approved-and-save, denied, or cancelled.
	ErrInvalidOutcome = errors.New("invalid outcome")
	// ErrInvalidRequest is returned for a request with an unknown mode or trust level.
	ErrInvalidRequest = errors.New("invalid request")
)

// StoreUnavailableError wraps the underlying store failure.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("policy store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// Is matches ErrStoreUnavailable.
func (e *StoreUnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var sue *StoreUnavailableError
	if errors.As(err, &sue) {
		return err
	}
	return &StoreUnavailableError{Op: op, Err: err}
}

// PatternSaveRejectedError carries the decision that could not be saved.
type PatternSaveRejectedError struct {
	Tool     string
	Decision core.Decision
	Reason   string
}

func (e *PatternSaveRejectedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot save an always-allow pattern for %s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("cannot save an always-allow pattern for %s: decision %s is not savable", e.Tool, e.Decision)
}

// Is matches ErrPatternSaveRejected.
func (e *PatternSaveRejectedError) Is(target error) bool { return target == ErrPatternSaveRejected }
