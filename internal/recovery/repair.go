// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package recovery

import (
	"regexp"
	"strings"

	"github.com/sigil-dev/relay/internal/toolserver"
)

var (
	// eqOperand matches a whole operand of an eq comparison.
	eqOperand = regexp.MustCompile(`(\beq\s+)([^\s()',]+)([\s)]|$)`)

	// containsCall matches contains(field, value) with an unquoted value.
	containsCall = regexp.MustCompile(`(\bcontains\(\s*[^,()]+?\s*,\s*)([^'()\s][^()]*?)(\s*\))`)

	numberLiteral = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	guidLiteral   = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// fixFilter quotes bare identifiers after eq and the second argument of
// contains(...). It reports whether anything changed.
func fixFilter(filter string) (string, bool) {
	out := eqOperand.ReplaceAllStringFunc(filter, func(m string) string {
		parts := eqOperand.FindStringSubmatch(m)
		if isLiteral(parts[2]) {
			return m
		}
		return parts[1] + quote(parts[2]) + parts[3]
	})
	out = containsCall.ReplaceAllStringFunc(out, func(m string) string {
		parts := containsCall.FindStringSubmatch(m)
		arg := strings.Trim(parts[2], `"`)
		return parts[1] + quote(arg) + parts[3]
	})
	return out, out != filter
}

func isLiteral(s string) bool {
	switch strings.ToLower(s) {
	case "true", "false", "null":
		return true
	}
	if strings.HasPrefix(s, "'") || strings.HasPrefix(s, "@") {
		return true
	}
	return numberLiteral.MatchString(s) || guidLiteral.MatchString(s)
}

func quote(s string) string {
	s = strings.Trim(s, `"`)
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// syntaxFix repairs every query option value of q. It reports false when
// no value needed a fix.
func syntaxFix(q toolserver.GraphQuery) (toolserver.GraphQuery, bool) {
	fixed := q.Clone()
	changed := false
	for k, v := range fixed.QueryParams {
		if out, ok := fixFilter(v); ok {
			fixed.QueryParams[k] = out
			changed = true
		}
	}
	return fixed, changed
}

// simplify strips every query option.
func simplify(q toolserver.GraphQuery) (toolserver.GraphQuery, bool) {
	if len(q.QueryParams) == 0 {
		return q, false
	}
	return q.WithoutParams(), true
}

// DefaultAlternatives lists, per endpoint, related endpoints that answer a
// similar question. Keys are lower-case paths without a leading version.
var DefaultAlternatives = map[string][]string{
	"/auditlogs/signins":         {"/users", "/me"},
	"/auditlogs/directoryaudits": {"/users", "/me"},
	"/users/$count":              {"/users", "/me"},
	"/users":                     {"/me"},
	"/groups":                    {"/me/memberOf", "/me"},
	"/applications":              {"/servicePrincipals", "/me"},
	"/serviceprincipals":         {"/applications", "/me"},
	"/devices":                   {"/me/registeredDevices", "/me"},
}

// alternativesFor looks up path, falling back to the identity endpoint.
func alternativesFor(table map[string][]string, path string) []string {
	key := strings.ToLower(strings.TrimRight(path, "/"))
	for _, prefix := range []string{"/v1.0", "/beta"} {
		key = strings.TrimPrefix(key, prefix)
	}
	if alts, ok := table[key]; ok {
		return alts
	}
	if key == "/me" || key == "" {
		return nil
	}
	return []string{"/me"}
}
