// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package normalize_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/relay/internal/normalize"
	"github.com/sigil-dev/relay/internal/toolserver"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

func TestNormalize_Counts(t *testing.T) {
	tests := []struct {
		name string
		res  toolserver.Result
		want float64
	}{
		{"numeric string", toolserver.PlainText("52"), 52},
		{"number", toolserver.Number(7), 7},
		{"text content", toolserver.TextResult("1000"), 1000},
		{"json content", toolserver.ContentList{Items: []toolserver.ContentItem{
			{Type: "json", JSON: json.RawMessage(`42`)},
		}}, 42},
		{"result for", toolserver.TextResult("Result for graph API - get /users/$count:\n\n1000"), 1000},
		{"count only envelope", toolserver.JSON{Value: map[string]any{
			"@odata.context": "https://graph.microsoft.com/v1.0/$metadata#users",
			"@odata.count":   json.Number("5"),
		}}, 5},
	}
	n := normalize.New(normalize.DefaultOptions())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := n.Normalize(tt.res, nil)
			assert.Equal(t, normalize.KindCount, got.Kind)
			assert.Equal(t, tt.want, got.Value)
			assert.Equal(t, fmt.Sprintf("Count: %v", tt.want), got.Text)
		})
	}
}

func TestNormalize_PagingEnvelope(t *testing.T) {
	body := `{"@odata.count": 3, "value": [{"displayName": "Ada", "id": "1"}, {"displayName": "Bob", "id": "2"}, {"displayName": "Cy", "id": "3"}]}`
	inputs := map[string]toolserver.Result{
		"json entry": toolserver.ContentList{Items: []toolserver.ContentItem{{Type: "json", JSON: json.RawMessage(body)}}},
		"text entry": toolserver.TextResult(body),
		"structured": toolserver.FromRaw(json.RawMessage(body)),
	}
	n := normalize.New(normalize.Options{})
	for name, res := range inputs {
		t.Run(name, func(t *testing.T) {
			got := n.Normalize(res, nil)
			require.Equal(t, normalize.KindCollection, got.Kind)
			assert.Len(t, got.Value, 3)
			assert.True(t, strings.HasPrefix(got.Text, "3 item(s)"))
			assert.Contains(t, got.Text, "| displayName | id |")
			assert.Contains(t, got.Text, "| Bob | 2 |")
		})
	}
}

func TestNormalize_PermissionDenied(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		permission string
	}{
		{"sign-ins", "Error: Authorization_RequestDenied. Insufficient privileges to complete the operation. GET /auditLogs/signIns", "AuditLog.Read.All"},
		{"applications", "403 Forbidden: GET /applications", "Application.Read.All"},
		{"mail", "ErrorAccessDenied: Access is denied. /users/ada/messages", "Mail.Read"},
		{"calendar", "Access denied for /me/calendar/events", "Calendars.Read"},
		{"files", "Forbidden (403) /me/drive/root/children", "Files.Read.All"},
	}
	n := normalize.New(normalize.DefaultOptions())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := n.Normalize(toolserver.TextResult(tt.text), nil)
			require.Equal(t, normalize.KindPermissionError, got.Kind)
			assert.Contains(t, got.Text, tt.permission)
			assert.Contains(t, got.Remediation, "application permission")
			assert.True(t, strings.HasPrefix(got.Text, "Permission denied: "))
		})
	}
}

func TestNormalize_PermissionDeniedGeneric(t *testing.T) {
	text := "Insufficient privileges to complete the operation. GET /groups"

	app := normalize.New(normalize.Options{AuthMode: normalize.AuthApplication}).Normalize(toolserver.TextResult(text), nil)
	assert.Equal(t, normalize.KindPermissionError, app.Kind)
	assert.Contains(t, app.Remediation, "app registration")

	del := normalize.New(normalize.Options{AuthMode: normalize.AuthDelegated}).Normalize(toolserver.TextResult(text), nil)
	assert.Equal(t, normalize.KindPermissionError, del.Kind)
	assert.Contains(t, del.Remediation, "signed-in user")
}

func TestNormalize_PermissionDeniedErrorObject(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"nested error", `{"error": {"code": "Authorization_RequestDenied", "message": "Insufficient privileges to complete the operation."}}`},
		{"error string", `{"error": "Access denied"}`},
		{"bare code", `{"code": "ErrorAccessDenied", "message": "Access is denied."}`},
		{"result for", "Result for graph - get /auditLogs/signIns:\n\n" + `{"error": {"code": "Authorization_RequestDenied", "message": "Insufficient privileges"}}`},
	}
	n := normalize.New(normalize.DefaultOptions())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := n.Normalize(toolserver.TextResult(tt.text), nil)
			assert.Equal(t, normalize.KindPermissionError, got.Kind)
		})
	}

	got := n.Normalize(toolserver.TextResult(tests[3].text), nil)
	assert.Contains(t, got.Remediation, "AuditLog.Read.All")
}

func TestNormalize_DataMentioningDenial(t *testing.T) {
	tests := []struct {
		name string
		text string
		kind normalize.Kind
	}{
		{
			"sign-in failure reason",
			"Result for graph - get /auditLogs/signIns:\n\n" +
				`{"value": [{"userDisplayName": "Ada", "status": {"errorCode": 53003, "failureReason": "Access denied by admin policy"}}, {"userDisplayName": "Bob", "status": {"errorCode": 0}}]}`,
			normalize.KindCollection,
		},
		{"group name", `{"value": [{"displayName": "Forbidden City Tours", "id": "1"}]}`, normalize.KindCollection},
		{"object field", `{"displayName": "Permission denied reviewers", "id": "2"}`, normalize.KindObject},
		{"plain text", "Found 2 sign-ins; one failed with access denied.", normalize.KindScalar},
		{"error object without denial", `{"error": {"code": "Request_ResourceNotFound", "message": "Resource not found"}}`, normalize.KindObject},
	}
	n := normalize.New(normalize.DefaultOptions())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := n.Normalize(toolserver.TextResult(tt.text), nil)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Empty(t, got.Remediation)
		})
	}
}

func TestNormalize_ArgumentEcho(t *testing.T) {
	args := map[string]any{"apiType": "graph", "path": "/users", "method": "get"}
	n := normalize.New(normalize.DefaultOptions())

	got := n.Normalize(toolserver.TextResult(`{"apiType":"graph","path":"/users","method":"get"}`), args)
	require.Equal(t, normalize.KindPermissionError, got.Kind)
	assert.Contains(t, got.Remediation, "service principal")

	// Echo of the usual argument names without the original args.
	got = n.Normalize(toolserver.TextResult(`{"path":"/me","queryParams":{"$top":"5"}}`), nil)
	assert.Equal(t, normalize.KindPermissionError, got.Kind)

	// Data that happens to have a path field is not an echo.
	got = n.Normalize(toolserver.TextResult(`{"path":"/docs","title":"Overview"}`), nil)
	assert.Equal(t, normalize.KindObject, got.Kind)
}

func TestNormalize_ResultForPayloads(t *testing.T) {
	n := normalize.New(normalize.DefaultOptions())

	got := n.Normalize(toolserver.TextResult("Result for graph API - get /users:\n\n{\"value\":[{\"id\":\"1\"}]}"), nil)
	assert.Equal(t, normalize.KindCollection, got.Kind)

	got = n.Normalize(toolserver.TextResult("Result for graph API - get /me:\n\nno data returned"), nil)
	assert.Equal(t, normalize.KindScalar, got.Kind)
	assert.Equal(t, "no data returned", got.Text)
}

func TestNormalize_Text(t *testing.T) {
	n := normalize.New(normalize.DefaultOptions())

	got := n.Normalize(toolserver.PlainText("  hello world \n"), nil)
	assert.Equal(t, normalize.KindScalar, got.Kind)
	assert.Equal(t, "hello world", got.Text)
}

func TestNormalize_TableCaps(t *testing.T) {
	var items []any
	for i := range 60 {
		items = append(items, map[string]any{
			"id":          fmt.Sprint(i),
			"displayName": fmt.Sprintf("user %d", i),
			"mail":        fmt.Sprintf("u%d@example.com", i),
			"zeta":        "z",
		})
	}
	n := normalize.New(normalize.Options{MaxCols: 3})
	got := n.Normalize(toolserver.JSON{Value: items}, nil)

	require.Equal(t, normalize.KindCollection, got.Kind)
	lines := strings.Split(got.Text, "\n")
	assert.Equal(t, "| displayName | mail | id |", lines[2])
	assert.Contains(t, got.Text, "_Showing 50 of 60 rows._")
	assert.NotContains(t, got.Text, "zeta")
	assert.NotContains(t, got.Text, "user 50")
}

func TestNormalize_CellEscaping(t *testing.T) {
	items := []any{map[string]any{"displayName": "a|b\nc", "groups": []any{"x", "y"}}}
	got := normalize.New(normalize.DefaultOptions()).Normalize(toolserver.JSON{Value: items}, nil)
	assert.Contains(t, got.Text, `| a\|b c | ["x","y"] |`)
}

func TestNormalize_MixedArrayIsFencedJSON(t *testing.T) {
	got := normalize.New(normalize.DefaultOptions()).Normalize(toolserver.JSON{Value: []any{json.Number("1"), "a"}}, nil)
	assert.Equal(t, normalize.KindCollection, got.Kind)
	assert.Contains(t, got.Text, "```json\n[\n  1,\n  \"a\"\n]\n```")
}

func TestNormalize_Object(t *testing.T) {
	got := normalize.New(normalize.DefaultOptions()).Normalize(toolserver.JSON{Value: map[string]any{"id": "x"}}, nil)
	assert.Equal(t, normalize.KindObject, got.Kind)
	assert.Equal(t, "```json\n{\n  \"id\": \"x\"\n}\n```", got.Text)
}

func TestNormalize_OversizedSummary(t *testing.T) {
	var items []any
	for i := range 20 {
		items = append(items, map[string]any{"id": fmt.Sprint(i), "displayName": strings.Repeat("x", 20)})
	}
	n := normalize.New(normalize.Options{MaxBytes: 100})

	got := n.Normalize(toolserver.JSON{Value: map[string]any{"@odata.count": json.Number("250"), "value": items}}, nil)
	assert.Equal(t, normalize.KindCollection, got.Kind)
	assert.Equal(t, "Collection of 250 items (too large to show). Keys: displayName, id.", got.Text)

	obj := map[string]any{}
	for i := range 25 {
		obj[fmt.Sprintf("k%02d", i)] = strings.Repeat("v", 10)
	}
	got = n.Normalize(toolserver.JSON{Value: obj}, nil)
	assert.Equal(t, normalize.KindObject, got.Kind)
	assert.Contains(t, got.Text, "Object with 25 keys")
	assert.Contains(t, got.Text, ", and 5 more.")
}

func TestNormalize_Unrecognized(t *testing.T) {
	res := toolserver.ContentList{Items: []toolserver.ContentItem{{Type: "image", MIMEType: "image/png"}}}
	got := normalize.New(normalize.DefaultOptions()).Normalize(res, nil)
	assert.Equal(t, normalize.KindUnrecognized, got.Kind)
	assert.True(t, strings.HasPrefix(got.Text, "The query ran but returned an unexpected format: "))
}

func TestNormalizer_Error(t *testing.T) {
	n := normalize.New(normalize.DefaultOptions())

	denied := relayerr.New(relayerr.CodeToolCallFailure, "Error: Authorization_RequestDenied /auditLogs/signIns")
	got := n.Error(denied)
	assert.Equal(t, normalize.KindPermissionError, got.Kind)
	assert.Contains(t, got.Text, "AuditLog.Read.All")

	got = n.Error(errors.New("connection reset"))
	assert.Equal(t, normalize.KindUnrecognized, got.Kind)
	assert.Equal(t, "The query failed: connection reset", got.Text)
}

func TestKind_Valid(t *testing.T) {
	assert.True(t, normalize.KindCount.Valid())
	assert.False(t, normalize.Kind("table").Valid())
}
