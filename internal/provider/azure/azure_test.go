// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package azure_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/relay/internal/provider"
	"github.com/sigil-dev/relay/internal/provider/azure"
	"github.com/sigil-dev/relay/internal/retry"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

func TestNew_RejectsIncompleteEndpointLocally(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		missing []string
	}{
		{
			name:    "no deployment",
			url:     "https://res.openai.azure.com/openai?api-version=2024-06-01",
			missing: []string{"deployment path"},
		},
		{
			name:    "no api version",
			url:     "https://res.openai.azure.com/openai/deployments/gpt4o/chat/completions",
			missing: []string{"api-version"},
		},
		{
			name:    "neither",
			url:     "https://res.openai.azure.com/",
			missing: []string{"deployment path", "api-version"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := azure.New(provider.ProviderConfig{
				Kind:        provider.KindAzure,
				Credential:  "key",
				EndpointURL: tt.url,
			}, provider.Options{})
			require.Error(t, err)
			assert.True(t, relayerr.HasCode(err, relayerr.CodeProviderConfigInvalid))
			for _, m := range tt.missing {
				assert.Contains(t, err.Error(), m)
			}
		})
	}
}

func TestChat_RoutesToDeployment(t *testing.T) {
	var path, version, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		version = r.URL.Query().Get("api-version")
		key = r.Header.Get("Api-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","created":0,"model":"gpt4o",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"hello"}}]}`))
	}))
	defer srv.Close()

	cache, err := provider.NewAvailabilityCache(time.Minute, time.Second)
	require.NoError(t, err)
	p, err := azure.New(provider.ProviderConfig{
		Kind:        provider.KindAzure,
		Credential:  "azure-key",
		EndpointURL: srv.URL + "/openai/deployments/gpt4o/chat/completions?api-version=2024-06-01",
	}, provider.Options{
		Cache: cache,
		Retry: retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, provider.KindAzure, p.Kind())

	text, err := p.Chat(context.Background(), []provider.ChatMessage{provider.NewMessage(provider.RoleUser, "hi")})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, "/openai/deployments/gpt4o/chat/completions", path)
	assert.Equal(t, "2024-06-01", version)
	assert.Equal(t, "azure-key", key)
}
