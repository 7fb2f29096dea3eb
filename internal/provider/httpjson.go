// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/sigil-dev/relay/internal/retry"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 2048

// DoJSON performs one JSON request for adapters that speak plain HTTP.
// Non-2xx responses become *retry.StatusError so the retry predicate and
// the selector can classify them.
func DoJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return relayerr.Errorf(relayerr.CodeProviderRequestInvalid, "encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return relayerr.Errorf(relayerr.CodeProviderRequestInvalid, "building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &retry.StatusError{
			StatusCode: resp.StatusCode,
			Err:        relayerr.Errorf(relayerr.CodeProviderUpstreamFailure, "%s %s: %s", method, url, strings.TrimSpace(string(snippet))),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return relayerr.Errorf(relayerr.CodeProviderResponseInvalid, "decoding response: %w", err)
	}
	return nil
}
