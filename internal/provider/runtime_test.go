// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/relay/internal/provider"
	"github.com/sigil-dev/relay/internal/retry"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

func testOptions(t *testing.T) provider.Options {
	t.Helper()
	opts, err := provider.Options{
		Retry: retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1},
	}.WithDefaults()
	require.NoError(t, err)
	return opts
}

func TestRunHosted_MarksUnavailableOnTransientExhaustion(t *testing.T) {
	opts := testOptions(t)
	calls := 0
	_, err := provider.RunHosted(context.Background(), opts, "openai", func(context.Context) (string, error) {
		calls++
		return "", &retry.StatusError{StatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var ce *provider.ChatError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, http.StatusBadGateway, ce.HTTPStatus)
	assert.Contains(t, ce.Error(), "http 502 after 3 attempt(s)")
	assert.False(t, opts.Cache.Lookup("openai").Available)
	assert.False(t, opts.Cache.Lookup("openai").CheckedAt.IsZero())
}

func TestRunHosted_ClientErrorKeepsAvailability(t *testing.T) {
	opts := testOptions(t)
	_, err := provider.RunHosted(context.Background(), opts, "openai", func(context.Context) (string, error) {
		return "", &retry.StatusError{StatusCode: http.StatusBadRequest, Err: errors.New("bad request")}
	})
	require.Error(t, err)
	assert.True(t, opts.Cache.Lookup("openai").CheckedAt.IsZero())
}

func TestRunLocal_ConnectionRefused(t *testing.T) {
	opts := testOptions(t)
	calls := 0
	_, err := provider.RunLocal(context.Background(), opts, "ollama", func(context.Context) (string, error) {
		calls++
		return "", syscall.ECONNREFUSED
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, relayerr.HasCode(err, relayerr.CodeProviderNotRunning))
	assert.True(t, relayerr.IsUnavailable(err))
}

func TestProbe_UsesCache(t *testing.T) {
	opts := testOptions(t)
	calls := 0
	check := func(context.Context) error {
		calls++
		return nil
	}
	assert.True(t, provider.Probe(context.Background(), opts, "anthropic", check))
	assert.True(t, provider.Probe(context.Background(), opts, "anthropic", check))
	assert.Equal(t, 1, calls)
}

func TestDoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("slow down"))
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "v", r.Header.Get("X-Test"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out struct{ OK bool }
	err := provider.DoJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL+"/ok",
		map[string]string{"X-Test": "v"}, map[string]string{"a": "b"}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)

	err = provider.DoJSON(context.Background(), srv.Client(), http.MethodGet, srv.URL+"/fail", nil, nil, nil)
	require.Error(t, err)
	status, ok := retry.StatusOf(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.True(t, retry.IsRetryable(err))
	assert.Contains(t, err.Error(), "slow down")
}
