// Package ratelimit tracks the GitHub API request budget of the authenticated
// identity and blocks callers while it is exhausted.
//
// A single Budget is meant to be shared by every component that talks to the
// API: the budget belongs to the token, not to a repository. State is never
// persisted; after a restart the remaining count is unknown until the first
// response reports it.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// HeaderRateLimit is the rate limit header.
	HeaderRateLimit = "X-RateLimit-Limit"

	// HeaderRateRemaining is the remaining requests header.
	HeaderRateRemaining = "X-RateLimit-Remaining"

	// HeaderRateReset is the reset timestamp header (Unix seconds).
	HeaderRateReset = "X-RateLimit-Reset"

	// HeaderRetryAfter is the retry-after header (seconds).
	HeaderRetryAfter = "Retry-After"

	// ResetSlack is added to the reported reset time to absorb clock skew.
	ResetSlack = time.Second

	// SecondaryWait is used for a secondary rate limit that names no wait.
	SecondaryWait = time.Minute
)

// State is a snapshot of the budget.
type State struct {
	Limit        int
	Remaining    int
	ResetAt      time.Time
	Known        bool
	BlockedUntil time.Time
}

// Option configures a Budget.
type Option func(*Budget)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c Clock) Option {
	return func(b *Budget) { b.clock = c }
}

// WithLogger sets the logger used to report waits.
func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Budget) { b.log = l }
}

// WithPacing spaces requests out to at most rps requests per second.
// Zero or a negative value disables pacing.
func WithPacing(rps float64) Option {
	return func(b *Budget) {
		if rps > 0 {
			b.pacer = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// Budget is the shared request budget.
type Budget struct {
	mu       sync.Mutex
	clock    Clock
	log      logrus.FieldLogger
	pacer    *rate.Limiter
	state    State
	requests int64
}

// New creates a budget whose remaining count is unknown.
func New(opts ...Option) *Budget {
	b := &Budget{
		clock: SystemClock{},
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Observe updates the budget from a response. Responses that carry no rate
// limit headers leave the primary counters untouched.
func (b *Budget) Observe(status int, header http.Header) {
	if header == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	exhausted := false

	if v := header.Get(HeaderRateRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			if n < 0 {
				n = 0
			}
			b.state.Remaining = n
			b.state.Known = true
			exhausted = n == 0
		}
	}

	if v := header.Get(HeaderRateLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			b.state.Limit = n
		}
	}

	if v := header.Get(HeaderRateReset); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			b.state.ResetAt = time.Unix(secs, 0)
		}
	}

	if status != http.StatusForbidden && status != http.StatusTooManyRequests {
		return
	}

	// Secondary limits name their own wait, independent of the hourly reset.
	if v := header.Get(HeaderRetryAfter); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			b.blockLocked(now.Add(time.Duration(secs) * time.Second))
		}
		return
	}
	if status == http.StatusTooManyRequests && !exhausted {
		b.blockLocked(now.Add(SecondaryWait))
	}
}

// Throttle blocks all callers for d, for secondary limits reported without
// a usable header.
func (b *Budget) Throttle(d time.Duration) {
	if d <= 0 {
		d = SecondaryWait
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockLocked(b.clock.Now().Add(d))
}

// Deplete marks the primary budget exhausted until resetAt. It covers rate
// limit errors that were raised without a response reaching the transport.
func (b *Budget) Deplete(resetAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Known = true
	b.state.Remaining = 0
	if resetAt.After(b.state.ResetAt) {
		b.state.ResetAt = resetAt
	}
}

func (b *Budget) blockLocked(until time.Time) {
	if until.After(b.state.BlockedUntil) {
		b.state.BlockedUntil = until
	}
}

// Wait blocks until a request may be issued. Exhaustion is not an error:
// the caller is suspended until the reset time and then admitted on the
// assumption that the budget was refilled. Only context cancellation is
// returned.
func (b *Budget) Wait(ctx context.Context) error {
	if b.pacer != nil {
		if err := b.pacer.Wait(ctx); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b.mu.Lock()
		now := b.clock.Now()
		until, secondary := b.resumeAtLocked(now)
		if until.IsZero() {
			if b.state.Known && b.state.Remaining > 0 {
				b.state.Remaining--
			}
			b.requests++
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()

		wait := until.Sub(now)
		b.log.WithFields(logrus.Fields{
			"until":     until.Local().Format(time.RFC3339),
			"secondary": secondary,
		}).Infof("Rate limited, sleeping for %s", wait.Round(time.Second))

		if err := b.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// resumeAtLocked returns when the next request may go out, or the zero time
// if it may go out now.
func (b *Budget) resumeAtLocked(now time.Time) (time.Time, bool) {
	if b.state.BlockedUntil.After(now) {
		return b.state.BlockedUntil, true
	}
	if !b.state.Known || b.state.Remaining > 0 {
		return time.Time{}, false
	}

	resume := b.state.ResetAt.Add(ResetSlack)
	if resume.After(now) {
		return resume, false
	}

	// The reset has passed; proceed optimistically until a response says
	// otherwise.
	b.state.Known = false
	return time.Time{}, false
}

// Snapshot returns the current state.
func (b *Budget) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Requests returns how many requests have been admitted.
func (b *Budget) Requests() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests
}
