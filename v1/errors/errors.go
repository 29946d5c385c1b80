// Package errors defines the failure kinds surfaced by warden. Callers
// distinguish them with errors.Is and errors.As.
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrKeyResolution matches every *KeyResolutionError.
	ErrKeyResolution = errors.New("warden: key resolution failed")
	// ErrAcquisitionTimeout is returned when the wait time elapsed without
	// obtaining the lock.
	ErrAcquisitionTimeout = errors.New("warden: lock acquisition timed out")
	// ErrAcquisitionInterrupted is returned when the caller's context ended
	// while waiting for the lock.
	ErrAcquisitionInterrupted = errors.New("warden: lock acquisition interrupted")
	// ErrBackendUnavailable wraps failures talking to the lock service.
	ErrBackendUnavailable = errors.New("warden: lock backend unavailable")
	// ErrNotHeld is returned when releasing a lock the caller does not hold.
	ErrNotHeld = errors.New("warden: lock not held")
	// ErrInvalidDeclaration is returned for malformed lock declarations.
	ErrInvalidDeclaration = errors.New("warden: invalid lock declaration")
)

// KeyResolutionError reports a template that cannot be rendered against the
// arguments of a call.
type KeyResolutionError struct {
	Template string
	Ref      string
	Reason   string
}

func (e *KeyResolutionError) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("warden: resolve %q: %s", e.Template, e.Reason)
	}
	return fmt.Sprintf("warden: resolve %q: {%s}: %s", e.Template, e.Ref, e.Reason)
}

// Is reports ErrKeyResolution as a match.
func (e *KeyResolutionError) Is(target error) bool {
	return target == ErrKeyResolution
}

// GuardedOperationError carries the error returned by an operation that ran
// while holding a lock. The lock has already been released (or a release was
// attempted, see ReleaseErr) when this error is observed.
type GuardedOperationError struct {
	Key        string
	Err        error
	ReleaseErr error
}

func (e *GuardedOperationError) Error() string {
	if e.ReleaseErr != nil {
		return fmt.Sprintf("warden: guarded operation on %q: %v (release: %v)", e.Key, e.Err, e.ReleaseErr)
	}
	return fmt.Sprintf("warden: guarded operation on %q: %v", e.Key, e.Err)
}

func (e *GuardedOperationError) Unwrap() []error {
	if e.ReleaseErr != nil {
		return []error{e.Err, e.ReleaseErr}
	}
	return []error{e.Err}
}
