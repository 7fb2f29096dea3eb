// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package normalize

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// columnPriority orders table columns. Keys not listed follow in
// alphabetical order.
var columnPriority = []string{
	"displayName",
	"userPrincipalName",
	"mail",
	"userDisplayName",
	"appDisplayName",
	"createdDateTime",
	"jobTitle",
	"department",
	"userType",
	"accountEnabled",
	"status",
	"ipAddress",
	"name",
	"title",
	"description",
	"id",
}

// maxSummaryKeys caps the key list of an oversized payload summary.
const maxSummaryKeys = 20

func countResult(f float64) Result {
	return Result{Kind: KindCount, Value: f, Text: "Count: " + formatNumber(f)}
}

func scalarResult(s string) Result {
	return Result{Kind: KindScalar, Value: s, Text: s}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// renderValue turns a decoded JSON value into a Result.
func (n *Normalizer) renderValue(v any) Result {
	switch x := v.(type) {
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return countResult(f)
		}
		return scalarResult(x.String())
	case float64:
		return countResult(x)
	case string:
		if f, ok := parseCountString(x); ok {
			return countResult(f)
		}
		return scalarResult(x)
	case bool:
		return scalarResult(strconv.FormatBool(x))
	case nil:
		return scalarResult("null")
	case []any:
		return n.renderCollection(x, -1)
	case map[string]any:
		return n.renderObject(x)
	default:
		return n.renderObject(map[string]any{"value": x})
	}
}

func parseCountString(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, " \n") {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// renderObject handles the paging envelope {"@odata.count", "value": [...]}
// and plain objects.
func (n *Normalizer) renderObject(obj map[string]any) Result {
	total := -1
	if c, ok := obj["@odata.count"]; ok {
		if f, ok := toFloat(c); ok {
			total = int(f)
		}
	}
	if items, ok := obj["value"].([]any); ok {
		return n.renderCollection(items, total)
	}
	if total >= 0 && len(dataKeys(obj)) == 0 {
		return countResult(float64(total))
	}

	raw, _ := json.MarshalIndent(obj, "", "  ")
	if len(raw) > n.opts.MaxBytes {
		keys := slices.Sorted(maps.Keys(obj))
		return Result{Kind: KindObject, Value: obj, Text: summarize(fmt.Sprintf("Object with %d keys", len(keys)), keys)}
	}
	return Result{Kind: KindObject, Value: obj, Text: "```json\n" + string(raw) + "\n```"}
}

// dataKeys drops OData annotations such as @odata.context.
func dataKeys(obj map[string]any) []string {
	var out []string
	for k := range obj {
		if !strings.HasPrefix(k, "@odata.") {
			out = append(out, k)
		}
	}
	return out
}

// renderCollection renders items as a table when they share one shape.
// total is the server-reported count, or -1.
func (n *Normalizer) renderCollection(items []any, total int) Result {
	res := Result{Kind: KindCollection, Value: items}
	if total < 0 {
		total = len(items)
	}

	raw, _ := json.Marshal(items)
	if len(raw) > n.opts.MaxBytes {
		res.Text = summarize(fmt.Sprintf("Collection of %d items", total), unionKeys(items))
		return res
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d item(s)", total)
	if len(items) == 0 {
		res.Text = b.String()
		return res
	}
	b.WriteString("\n\n")
	if rows, ok := uniformObjects(items); ok {
		b.WriteString(n.table(rows))
	} else {
		pretty, _ := json.MarshalIndent(items, "", "  ")
		b.WriteString("```json\n" + string(pretty) + "\n```")
	}
	res.Text = b.String()
	return res
}

// uniformObjects reports whether every item is an object with the same
// key set.
func uniformObjects(items []any) ([]map[string]any, bool) {
	rows := make([]map[string]any, 0, len(items))
	var shape []string
	for i, it := range items {
		obj, ok := it.(map[string]any)
		if !ok || len(obj) == 0 {
			return nil, false
		}
		keys := slices.Sorted(maps.Keys(obj))
		if i == 0 {
			shape = keys
		} else if !slices.Equal(shape, keys) {
			return nil, false
		}
		rows = append(rows, obj)
	}
	return rows, true
}

func (n *Normalizer) columns(sample map[string]any) []string {
	var cols []string
	for _, c := range columnPriority {
		if _, ok := sample[c]; ok {
			cols = append(cols, c)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(sample)) {
		if slices.Contains(cols, k) || strings.HasPrefix(k, "@odata.") {
			continue
		}
		cols = append(cols, k)
	}
	if len(cols) > n.opts.MaxCols {
		cols = cols[:n.opts.MaxCols]
	}
	return cols
}

func (n *Normalizer) table(rows []map[string]any) string {
	cols := n.columns(rows[0])

	var b strings.Builder
	b.WriteString("| " + strings.Join(cols, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(cols)) + "\n")

	shown := min(len(rows), n.opts.MaxRows)
	for _, row := range rows[:shown] {
		cells := make([]string, len(cols))
		for i, c := range cols {
			cells[i] = cell(row[c])
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	if shown < len(rows) {
		fmt.Fprintf(&b, "\n_Showing %d of %d rows._", shown, len(rows))
	}
	return strings.TrimRight(b.String(), "\n")
}

func cell(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		s = x
	case json.Number:
		s = x.String()
	case bool:
		s = strconv.FormatBool(x)
	case float64:
		s = formatNumber(x)
	default:
		raw, _ := json.Marshal(x)
		s = truncate(string(raw), 40)
	}
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}

func unionKeys(items []any) []string {
	seen := map[string]struct{}{}
	for _, it := range items {
		if obj, ok := it.(map[string]any); ok {
			for k := range obj {
				seen[k] = struct{}{}
			}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

func summarize(head string, keys []string) string {
	if len(keys) == 0 {
		return head + " (too large to show)."
	}
	shown := keys
	suffix := ""
	if len(keys) > maxSummaryKeys {
		shown = keys[:maxSummaryKeys]
		suffix = fmt.Sprintf(", and %d more", len(keys)-maxSummaryKeys)
	}
	return head + " (too large to show). Keys: " + strings.Join(shown, ", ") + suffix + "."
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case int:
		return float64(x), true
	}
	return 0, false
}
