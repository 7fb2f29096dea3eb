// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/relay/internal/server"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

func TestServer_New_EmptyListenAddr(t *testing.T) {
	_, err := server.New(server.Config{}, server.Services{Turns: &fakeTurner{}, Providers: fakeStatus{}})
	require.Error(t, err)
	assert.True(t, relayerr.HasCode(err, relayerr.CodeServerConfigInvalid), "expected CodeServerConfigInvalid, got %s", relayerr.CodeOf(err))
	assert.Contains(t, err.Error(), "listen address is required")
}

func TestServer_New_RequiresServices(t *testing.T) {
	_, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, server.Services{})
	assert.True(t, relayerr.HasCode(err, relayerr.CodeServerConfigInvalid))
}

func TestServer_New_InvalidRateLimit(t *testing.T) {
	_, err := server.New(server.Config{
		ListenAddr: "127.0.0.1:0",
		RateLimit:  server.RateLimitConfig{RequestsPerSecond: 1},
	}, server.Services{Turns: &fakeTurner{}, Providers: fakeStatus{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "burst must be positive")
}

func TestServer_HealthEndpoint(t *testing.T) {
	srv := newTestServer(t, server.Config{Version: "1.2.3"}, server.Services{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","version":"1.2.3"}`, stripSchema(t, w.Body.Bytes()))
}

func TestServer_OpenAPISpec(t *testing.T) {
	srv := newTestServer(t, server.Config{}, server.Services{})

	req := httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, path := range []string{"/api/v1/chat", "/api/v1/analyze", "/api/v1/providers", "/api/v1/tools", "/api/v1/turns", "/health"} {
		assert.Contains(t, body, path)
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	srv := newTestServer(t, server.Config{CORSOrigins: []string{"http://example.com"}}, server.Services{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/providers", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "http://example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_RateLimited(t *testing.T) {
	srv := newTestServer(t, server.Config{
		RateLimit: server.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2},
	}, server.Services{})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.1.1.1:4000"
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestServer_StartAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := newTestServer(t, server.Config{ListenAddr: addr, ShutdownTimeout: time.Second}, server.Services{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServer_StartListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv := newTestServer(t, server.Config{ListenAddr: ln.Addr().String()}, server.Services{})
	err = srv.Start(context.Background())
	assert.True(t, relayerr.HasCode(err, relayerr.CodeServerStartFailure))
}
