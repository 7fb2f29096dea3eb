// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// StatusError attaches an HTTP status code to a backend failure so the
// retry predicate can tell transient upstream errors from client errors.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// HTTPStatus implements StatusCoder.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// StatusCoder is implemented by errors that know the HTTP status they
// were produced from.
type StatusCoder interface {
	HTTPStatus() int
}

// StatusOf extracts an HTTP status code from anywhere in err's chain.
func StatusOf(err error) (int, bool) {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus(), true
	}
	return 0, false
}

// transientSignatures match error text from transports that do not
// surface typed errors.
var transientSignatures = []string{
	"connection reset",
	"connection refused",
	"econnreset",
	"econnrefused",
	"etimedout",
	"enotfound",
	"timeout",
	"timed out",
	"no such host",
	"broken pipe",
	"server misbehaving",
}

// IsRetryable reports whether err is a transient network failure, an HTTP
// 5xx or an HTTP 429. Other 4xx responses and cancellation fail fast.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	if status, ok := StatusOf(err); ok {
		return status == http.StatusTooManyRequests || status >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// IsConnectionRefused reports whether err means nothing is listening on
// the target address. Local providers use it to tell "not running" apart
// from real failures.
func IsConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "econnrefused")
}
