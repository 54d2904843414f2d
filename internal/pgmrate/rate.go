// Package pgmrate implements a two-bucket token-bucket rate controller: an
// always-present outer bucket covering all outbound bytes (SPM, ODATA,
// RDATA), and an optional inner bucket that sub-rates originals
// separately; repairs have no bucket of their own and are limited only by
// the outer one. It is a thin wrapper around golang.org/x/time/rate,
// which already implements the reservation semantics (Reserve/Wait/burst)
// this needs.
package pgmrate

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Controller is the outer total-bytes bucket plus an optional inner
// sub-bucket. The inner bucket is nil unless a split rate was configured
// (disabled by default).
type Controller struct {
	total    *rate.Limiter
	original *rate.Limiter
}

// New creates a controller with the given max bytes/sec and burst (usually
// one MTU's worth, so a single packet is never rejected outright).
func New(maxBytesPerSec int, burst int) *Controller {
	if maxBytesPerSec <= 0 {
		return &Controller{}
	}
	return &Controller{total: rate.NewLimiter(rate.Limit(maxBytesPerSec), burst)}
}

// SetOriginalsRate enables the optional second bucket sub-rating original
// (non-repair) data, independent of the outer total bucket.
func (c *Controller) SetOriginalsRate(maxBytesPerSec, burst int) {
	if maxBytesPerSec <= 0 {
		c.original = nil
		return
	}
	c.original = rate.NewLimiter(rate.Limit(maxBytesPerSec), burst)
}

// Decision is the outcome of a non-blocking rate check.
type Decision struct {
	Allowed bool
	// BlockLen is the number of bytes the caller should budget before
	// retrying, surfaced to WouldBlock/RateLimited callers.
	BlockLen int
	Wait     time.Duration
}

// CheckNonBlocking attempts to admit n bytes without blocking. isOriginal
// selects whether the inner originals-only bucket (if configured) is also
// consulted.
func (c *Controller) CheckNonBlocking(n int, isOriginal bool) Decision {
	if c.total == nil {
		return Decision{Allowed: true}
	}
	if !c.total.AllowN(time.Now(), n) {
		return Decision{Allowed: false, BlockLen: n, Wait: c.total.ReserveN(time.Now(), 0).Delay()}
	}
	if isOriginal && c.original != nil {
		if !c.original.AllowN(time.Now(), n) {
			return Decision{Allowed: false, BlockLen: n}
		}
	}
	return Decision{Allowed: true}
}

// Remaining reports the bytes currently available in the total bucket and,
// if configured, the originals sub-bucket, for TIME_REMAIN/RATE_REMAIN-style
// polling.
func (c *Controller) Remaining() (total, originals int) {
	if c.total != nil {
		total = int(c.total.Tokens())
	}
	if c.original != nil {
		originals = int(c.original.Tokens())
	}
	return total, originals
}

// Wait blocks until n bytes may be admitted or ctx is done.
func (c *Controller) Wait(ctx context.Context, n int, isOriginal bool) error {
	if c.total != nil {
		if err := c.total.WaitN(ctx, n); err != nil {
			return err
		}
	}
	if isOriginal && c.original != nil {
		if err := c.original.WaitN(ctx, n); err != nil {
			return err
		}
	}
	return nil
}
