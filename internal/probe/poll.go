package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/obs"
)

const (
	// DefaultTimeout is the shortest window observed across the admin suites.
	DefaultTimeout = 10 * time.Second
	// MaxTimeout is the longest window any suite asks for.
	MaxTimeout      = 30 * time.Second
	DefaultInterval = 250 * time.Millisecond
)

// Options bound a polling assertion.
type Options struct {
	Timeout  time.Duration
	Interval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Interval > o.Timeout {
		o.Interval = o.Timeout
	}
	return o
}

// Snapshotter produces the current state of a page.
type Snapshotter interface {
	Snapshot(ctx context.Context) (Document, error)
}

// SnapshotFunc adapts a function to Snapshotter.
type SnapshotFunc func(ctx context.Context) (Document, error)

func (f SnapshotFunc) Snapshot(ctx context.Context) (Document, error) { return f(ctx) }

// Static always returns the same document.
func Static(doc Document) Snapshotter {
	return SnapshotFunc(func(context.Context) (Document, error) { return doc, nil })
}

// AssertionError is returned when a check never held inside its window.
type AssertionError struct {
	Check    string
	Timeout  time.Duration
	Attempts int
	Last     Observation
	// LastErr is the most recent snapshot error, if the final attempts
	// could not even read the page.
	LastErr error
}

func (e *AssertionError) Error() string {
	msg := fmt.Sprintf("assertion not met within %s after %d attempt(s): %s", e.Timeout, e.Attempts, e.Check)
	if e.Last.Detail != "" {
		msg += " (last: " + e.Last.Detail + ")"
	}
	if e.LastErr != nil {
		msg += " (snapshot error: " + e.LastErr.Error() + ")"
	}
	return msg
}

func (e *AssertionError) ErrCode() errs.Code { return errs.DeadlineExceeded }

func (e *AssertionError) Unwrap() error { return e.LastErr }

// IsAssertion reports whether err is (or wraps) an AssertionError.
func IsAssertion(err error) bool {
	var ae *AssertionError
	return errors.As(err, &ae)
}

// Eventually polls src until check passes or the window closes. Malformed
// checks fail immediately with InvalidArgument; snapshot errors are retried.
// Cancellation of the parent context is returned as is, never as an
// assertion failure.
func Eventually(ctx context.Context, src Snapshotter, check Check, opts Options) (Observation, error) {
	opts = opts.withDefaults()
	logger := obs.From(ctx).With("pkg", "probe")

	pollCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var (
		last     Observation
		lastErr  error
		attempts int
	)
	timer := time.NewTimer(opts.Interval)
	defer timer.Stop()

	for {
		attempts++
		doc, err := src.Snapshot(pollCtx)
		if err != nil {
			lastErr = err
			logger.Debug("probe_snapshot_failed", "check", check.Describe(), "error", err)
		} else {
			lastErr = nil
			observed, evalErr := check.Evaluate(doc)
			if evalErr != nil {
				if errs.Is(evalErr, errs.InvalidArgument) {
					return observed, evalErr
				}
				lastErr = evalErr
			} else {
				last = observed
				if observed.Passed {
					logger.Debug("probe_passed", "check", check.Describe(), "attempts", attempts, "detail", observed.Detail)
					return observed, nil
				}
			}
		}

		timer.Reset(opts.Interval)
		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			logger.Debug("probe_timeout", "check", check.Describe(), "attempts", attempts)
			return last, &AssertionError{
				Check:    check.Describe(),
				Timeout:  opts.Timeout,
				Attempts: attempts,
				Last:     last,
				LastErr:  lastErr,
			}
		case <-timer.C:
		}
	}
}

// Probe evaluates a selector once without asserting anything.
func Probe(ctx context.Context, src Snapshotter, selector string) (QueryResult, error) {
	doc, err := src.Snapshot(ctx)
	if err != nil {
		return QueryResult{Selector: selector}, err
	}
	return Query(doc, selector)
}

// Present is the non-failing form used by conditional steps: it reports
// whether check holds right now and never returns an assertion error.
func Present(ctx context.Context, src Snapshotter, check Check) (bool, Observation, error) {
	doc, err := src.Snapshot(ctx)
	if err != nil {
		return false, Observation{}, err
	}
	observed, err := check.Evaluate(doc)
	if err != nil {
		return false, observed, err
	}
	return observed.Passed, observed, nil
}
