// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sigil-dev/relay/internal/retry"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

const (
	// DefaultChatTimeout bounds a single chat attempt.
	DefaultChatTimeout = 30 * time.Second
	// DefaultProbeTimeout bounds a single availability probe.
	DefaultProbeTimeout = 10 * time.Second
)

// Options carries the runtime collaborators every adapter shares.
type Options struct {
	Cache        *AvailabilityCache
	Retry        retry.Policy
	ChatTimeout  time.Duration
	ProbeTimeout time.Duration
	HTTPClient   *http.Client
	SystemPrompt string
	// RetryOptions are appended to every hosted retry loop. Tests use it
	// to swap the backoff timer.
	RetryOptions []retry.Option
}

// WithDefaults fills zero values.
func (o Options) WithDefaults() (Options, error) {
	if o.Cache == nil {
		c, err := NewAvailabilityCache(DefaultSuccessTTL, DefaultFailureTTL)
		if err != nil {
			return o, err
		}
		o.Cache = c
	}
	if o.Retry == (retry.Policy{}) {
		o.Retry = retry.DefaultPolicy()
	}
	if o.ChatTimeout <= 0 {
		o.ChatTimeout = DefaultChatTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	return o, nil
}

// ChatError is returned by hosted adapters once the retry loop gives up.
type ChatError struct {
	Provider   string
	HTTPStatus int
	Attempts   int
	Err        error
}

func (e *ChatError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("provider %s: http %d after %d attempt(s): %v", e.Provider, e.HTTPStatus, e.Attempts, e.Err)
	}
	return fmt.Sprintf("provider %s: after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e *ChatError) Unwrap() error { return e.Err }

// RunHosted executes one hosted chat call under the retry policy. Each
// attempt gets its own ChatTimeout.
func RunHosted(ctx context.Context, opts Options, providerID string, call func(ctx context.Context) (string, error)) (string, error) {
	retryOpts := append([]retry.Option{
		retry.WithNotify(func(err error, attempt int, delay time.Duration) {
			slog.Warn("provider call failed, retrying",
				"provider", providerID,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
		}),
	}, opts.RetryOptions...)

	text, err := retry.Do(ctx, opts.Retry, func(ctx context.Context) (string, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, opts.ChatTimeout)
		defer cancel()
		return call(attemptCtx)
	}, retryOpts...)
	if err == nil {
		return text, nil
	}

	if retry.IsRetryable(err) {
		opts.Cache.Record(providerID, false)
	}
	status, _ := retry.StatusOf(err)
	return "", &ChatError{
		Provider:   providerID,
		HTTPStatus: status,
		Attempts:   retry.AttemptsOf(err),
		Err: relayerr.Wrap(err, relayerr.CodeProviderUpstreamFailure, "chat request failed",
			relayerr.FieldProvider(providerID),
			relayerr.FieldAttempts(retry.AttemptsOf(err)),
		),
	}
}

// RunLocal executes one local chat call without retries. Connection
// refused becomes CodeProviderNotRunning and is logged at debug level.
func RunLocal(ctx context.Context, opts Options, providerID string, call func(ctx context.Context) (string, error)) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, opts.ChatTimeout)
	defer cancel()

	text, err := call(callCtx)
	if err == nil {
		return text, nil
	}
	if retry.IsConnectionRefused(err) {
		slog.Debug("local provider not running", "provider", providerID, "error", err)
		opts.Cache.Record(providerID, false)
		return "", relayerr.Wrap(err, relayerr.CodeProviderNotRunning, providerID+" is not running",
			relayerr.FieldProvider(providerID))
	}
	status, _ := retry.StatusOf(err)
	return "", &ChatError{
		Provider:   providerID,
		HTTPStatus: status,
		Attempts:   1,
		Err: relayerr.Wrap(err, relayerr.CodeProviderUpstreamFailure, "chat request failed",
			relayerr.FieldProvider(providerID)),
	}
}

// Probe answers Available through the cache, bounding the live check by
// ProbeTimeout.
func Probe(ctx context.Context, opts Options, providerID string, check func(ctx context.Context) error) bool {
	return opts.Cache.IsAvailable(ctx, providerID, func(ctx context.Context) bool {
		probeCtx, cancel := context.WithTimeout(ctx, opts.ProbeTimeout)
		defer cancel()

		if err := check(probeCtx); err != nil {
			if retry.IsConnectionRefused(err) {
				slog.Debug("provider probe: not running", "provider", providerID)
			} else {
				slog.Info("provider probe failed", "provider", providerID, "error", err)
			}
			return false
		}
		return true
	})
}
