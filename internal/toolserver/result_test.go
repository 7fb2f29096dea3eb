// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package toolserver_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/relay/internal/toolserver"
)

func TestFromRaw(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want toolserver.Result
	}{
		{"number", `52`, toolserver.Number(52)},
		{"string", `"hello"`, toolserver.PlainText("hello")},
		{"not json", `Result: ok`, toolserver.PlainText("Result: ok")},
		{"empty", ``, toolserver.PlainText("")},
		{"content list", `{"content":[{"type":"text","text":"1000"}]}`, toolserver.TextResult("1000")},
		{"error list", `{"content":[{"type":"text","text":"denied"}],"isError":true}`, toolserver.ContentList{
			Items:   []toolserver.ContentItem{{Type: "text", Text: "denied"}},
			IsError: true,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toolserver.FromRaw(json.RawMessage(tt.raw)))
		})
	}
}

func TestFromRaw_ObjectIsJSON(t *testing.T) {
	res := toolserver.FromRaw(json.RawMessage(`{"@odata.count": 3, "value": [1, 2, 3]}`))
	j, ok := res.(toolserver.JSON)
	require.True(t, ok)
	obj := j.Value.(map[string]any)
	assert.Equal(t, json.Number("3"), obj["@odata.count"])
}

func TestFromRaw_ContentFieldWithoutTypesIsJSON(t *testing.T) {
	res := toolserver.FromRaw(json.RawMessage(`{"content":["a","b"]}`))
	_, ok := res.(toolserver.JSON)
	assert.True(t, ok)
}

func TestFromValue(t *testing.T) {
	assert.Equal(t, toolserver.Number(7), toolserver.FromValue(7))
	assert.Equal(t, toolserver.Number(1.5), toolserver.FromValue(1.5))
	assert.Equal(t, toolserver.PlainText("x"), toolserver.FromValue("x"))
	assert.Equal(t, toolserver.JSON{Value: []any{1}}, toolserver.FromValue([]any{1}))
	assert.Equal(t, toolserver.Number(3), toolserver.FromValue(toolserver.Number(3)))
}

func TestContentListText(t *testing.T) {
	list := toolserver.ContentList{Items: []toolserver.ContentItem{
		{Type: "text", Text: "a"},
		{Type: "json", JSON: json.RawMessage(`{}`)},
		{Type: "text", Text: "b"},
	}}
	assert.Equal(t, "a\nb", list.Text())
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"52", 52, true},
		{" 1000\n", 1000, true},
		{`"3"`, 3, true},
		{"2.5", 2.5, true},
		{"NaN", 0, false},
		{"twelve", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := toolserver.ParseNumber(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
