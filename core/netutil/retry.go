// Package netutil holds outbound HTTP plumbing shared by the chat platforms
// and storage publishers.
package netutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ShouldRetry reports whether err looks like a transient dial or timeout failure.
func ShouldRetry(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}
		if urlErr.Err != nil && urlErr.Err != err {
			return ShouldRetry(urlErr.Err)
		}
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial" || opErr.Timeout()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var retryable interface{ Retryable() bool }
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// StatusError carries a non-2xx response status from a remote API.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return e.Op + ": unexpected status " + strconv.Itoa(e.Status) + " " + http.StatusText(e.Status)
}

// Retryable marks 429 and 5xx responses as transient.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// Do runs fn up to attempts times with linear backoff while ShouldRetry(err) holds.
// It returns the number of attempts made.
func Do(ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) error) (int, error) {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if attempt == attempts || !ShouldRetry(err) {
			return attempt, err
		}
		if wait := backoff * time.Duration(attempt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return attempts, err
}
