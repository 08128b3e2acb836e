package retry

import (
	"context"
	"errors"
	"time"

	"github.com/kalebavincent/dl-torrent/internal/backend"
)

// Class is the retry decision for a failure.
type Class int

const (
	// Transient failures are retried with exponential backoff.
	Transient Class = iota
	// Permanent failures fail the job immediately.
	Permanent
	// Cancel is a control signal, never retried.
	Cancel
)

// Classify maps an error onto the retry taxonomy. Unknown errors are
// assumed transient so a flaky engine does not permanently fail jobs.
func Classify(err error) Class {
	switch {
	case err == nil:
		return Transient
	case errors.Is(err, context.Canceled):
		return Cancel
	case errors.Is(err, backend.ErrUnsupportedResource):
		return Permanent
	case errors.Is(err, backend.ErrResourceUnavailable):
		return Transient
	}

	var te *backend.TransferError
	if errors.As(err, &te) {
		if te.Transient {
			return Transient
		}
		return Permanent
	}
	return Transient
}

// Policy holds the backoff schedule. The attempt count belongs to the
// job and is reset only on explicit resubmission.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff returns the delay before the given retry. attempt is 1-based:
// the delay after the first failed attempt is the base delay, doubling
// each time up to the cap.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether another attempt is allowed after the given
// number of failed attempts.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
