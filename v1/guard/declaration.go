package guard

import (
	"fmt"
	"time"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/lock"
)

// Declaration defaults, applied to zero fields.
const (
	DefaultWaitTime  int64 = 30
	DefaultLeaseTime int64 = 100
	DefaultTimeUnit        = time.Second
)

// Special WaitTime and LeaseTime values.
const (
	// NoWait makes a single acquisition attempt.
	NoWait int64 = -2
	// WaitForever waits until the context ends.
	WaitForever int64 = -1
	// Watchdog holds the lock with a lease renewed until release.
	Watchdog int64 = -1
)

// Declaration describes the lock guarding a call. Key and Value are the same
// setting; use either.
type Declaration struct {
	Key    string
	Value  string
	Params string

	WaitTime  int64
	LeaseTime int64
	TimeUnit  time.Duration
	Type      lock.Type
}

// Defaults returns a declaration for key with every default filled in.
func Defaults(key string) Declaration {
	return Declaration{
		Key:       key,
		WaitTime:  DefaultWaitTime,
		LeaseTime: DefaultLeaseTime,
		TimeUnit:  DefaultTimeUnit,
		Type:      lock.Fair,
	}
}

// Template returns the key template, whichever of Key or Value carries it.
func (d Declaration) Template() string {
	if d.Key != "" {
		return d.Key
	}
	return d.Value
}

// Validate checks that the declaration names exactly one key template.
func (d Declaration) Validate() error {
	switch {
	case d.Key != "" && d.Value != "" && d.Key != d.Value:
		return fmt.Errorf("%w: key %q and value %q disagree", wardenerrors.ErrInvalidDeclaration, d.Key, d.Value)
	case d.Key == "" && d.Value == "":
		return fmt.Errorf("%w: no key template", wardenerrors.ErrInvalidDeclaration)
	case d.Type != lock.Fair && d.Type != lock.Reentrant:
		return fmt.Errorf("%w: unknown lock type %s", wardenerrors.ErrInvalidDeclaration, d.Type)
	case d.TimeUnit < 0:
		return fmt.Errorf("%w: negative time unit", wardenerrors.ErrInvalidDeclaration)
	}
	return nil
}

// normalize fills zero fields with their defaults.
func (d Declaration) normalize() Declaration {
	if d.WaitTime == 0 {
		d.WaitTime = DefaultWaitTime
	}
	if d.LeaseTime == 0 {
		d.LeaseTime = DefaultLeaseTime
	}
	if d.TimeUnit == 0 {
		d.TimeUnit = DefaultTimeUnit
	}
	return d
}

// request builds the lock request for a resolved key.
func (d Declaration) request(key string) lock.Request {
	d = d.normalize()
	req := lock.Request{
		Name:      d.Template(),
		Key:       key,
		Type:      d.Type,
		WaitTime:  d.WaitTime,
		LeaseTime: d.LeaseTime,
		Unit:      d.TimeUnit,
	}
	switch {
	case d.WaitTime == NoWait:
		req.WaitTime = 0
	case d.WaitTime < 0:
		req.WaitTime = -1
	}
	return req
}
