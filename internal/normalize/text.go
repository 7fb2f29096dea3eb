// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package normalize

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/sigil-dev/relay/internal/toolserver"
)

// textRule is one entry of the text signature pipeline.
type textRule struct {
	name    string
	extract func(n *Normalizer, text string, args map[string]any) (Result, bool)
}

// textPipeline is tried in order on text replies.
func textPipeline() []textRule {
	return []textRule{
		{name: "permission_denied", extract: func(n *Normalizer, text string, _ map[string]any) (Result, bool) {
			if !deniedReply(text) {
				return Result{}, false
			}
			return n.permissionResult(text, n.remediation(strings.ToLower(text))), true
		}},
		{name: "argument_echo", extract: func(n *Normalizer, text string, args map[string]any) (Result, bool) {
			if !isArgumentEcho(text, args) {
				return Result{}, false
			}
			return n.permissionResult(text, genericPrincipalAdvice), true
		}},
		{name: "result_for", extract: func(n *Normalizer, text string, _ map[string]any) (Result, bool) {
			m := resultForPattern.FindStringSubmatch(text)
			if m == nil {
				return Result{}, false
			}
			return n.payload(m[4]), true
		}},
		{name: "whole_json", extract: func(n *Normalizer, text string, _ map[string]any) (Result, bool) {
			v, ok := decode([]byte(text))
			if !ok {
				return Result{}, false
			}
			return n.renderValue(v), true
		}},
	}
}

// resultForPattern matches "Result for <api> - <method> <path>:\n\n<payload>".
var resultForPattern = regexp.MustCompile(`(?s)^\s*Result for ([^\n]+?) - ([A-Za-z]+) ([^\n]+?):\r?\n\r?\n(.*)$`)

func (n *Normalizer) normalizeText(text string, args map[string]any) Result {
	for _, r := range n.text {
		if out, ok := r.extract(n, text, args); ok {
			return out
		}
	}
	return scalarResult(strings.TrimSpace(text))
}

// payload parses the body of a "Result for" reply as JSON, then as a
// bare number, then keeps it as text.
func (n *Normalizer) payload(body string) Result {
	body = strings.TrimSpace(body)
	if v, ok := decode([]byte(body)); ok {
		return n.renderValue(v)
	}
	if f, ok := toolserver.ParseNumber(body); ok {
		return countResult(f)
	}
	return scalarResult(body)
}

// deniedSignatures identify a permission failure in tool output.
var deniedSignatures = []string{
	"authorization_requestdenied",
	"insufficient privileges",
	"erroraccessdenied",
	"access denied",
	"accessdenied",
	"forbidden",
	"403 forbidden",
	"status 403",
	"(403)",
	"permission denied",
	"does not have permission",
	"missing required permission",
	"insufficient scope",
	"invalidauthenticationtoken",
}

// remediationRule selects the advice for a denied resource.
type remediationRule struct {
	markers    []string
	permission string
	resource   string
}

var remediationRules = []remediationRule{
	{markers: []string{"auditlogs", "signins", "directoryaudits"}, permission: "AuditLog.Read.All", resource: "audit and sign-in logs"},
	{markers: []string{"/applications", "serviceprincipals", "applications"}, permission: "Application.Read.All", resource: "applications"},
	{markers: []string{"/messages", "/mailfolders", "mail.read"}, permission: "Mail.Read", resource: "mail"},
	{markers: []string{"/calendar", "/events", "calendars.read"}, permission: "Calendars.Read", resource: "calendars"},
	{markers: []string{"/drive", "/drives", "files.read"}, permission: "Files.Read.All", resource: "files"},
}

const genericPrincipalAdvice = "The tool server could not run this query with its current identity. " +
	"Check the Microsoft Graph permissions granted to the service principal it uses and grant admin consent."

func matchesDenied(lower string) bool {
	for _, sig := range deniedSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// deniedReply reports whether a tool reply is a permission failure. Only
// the error-shaped part of the reply is inspected: a leading signature in
// plain text, or the error object of a JSON reply. Data that merely
// mentions a denial (a sign-in failureReason, a group named "Forbidden")
// is not a denial.
func deniedReply(text string) bool {
	body := strings.TrimSpace(text)
	if m := resultForPattern.FindStringSubmatch(body); m != nil {
		body = strings.TrimSpace(m[4])
	}
	if v, ok := decode([]byte(body)); ok {
		msg, isErr := errorObjectText(v)
		return isErr && matchesDenied(strings.ToLower(msg))
	}
	return leadsWithDenied(strings.ToLower(body))
}

// errorObjectText extracts the code and message of a Graph-style error
// reply: {"error": {"code": ..., "message": ...}}, {"error": "..."} or a
// bare {"code": ..., "message": ...}.
func errorObjectText(v any) (string, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	switch e := obj["error"].(type) {
	case string:
		return e, true
	case map[string]any:
		return fmt.Sprint(e["code"], " ", e["message"]), true
	}
	code, hasCode := obj["code"]
	msg, hasMsg := obj["message"]
	if hasCode && hasMsg {
		return fmt.Sprint(code, " ", msg), true
	}
	return "", false
}

// leadsWithDenied reports whether lower starts with a denial signature,
// after an optional "error" label.
func leadsWithDenied(lower string) bool {
	if rest, ok := strings.CutPrefix(lower, "error"); ok {
		lower = strings.TrimLeft(rest, " :-")
	}
	for _, sig := range deniedSignatures {
		if strings.HasPrefix(lower, sig) {
			return true
		}
	}
	return false
}

// permission classifies a failure message as a permission denial and
// picks the remediation by the resource it mentions.
func (n *Normalizer) permission(text string) (Result, bool) {
	lower := strings.ToLower(text)
	if !matchesDenied(lower) {
		return Result{}, false
	}
	return n.permissionResult(text, n.remediation(lower)), true
}

func (n *Normalizer) remediation(lower string) string {
	for _, r := range remediationRules {
		for _, m := range r.markers {
			if strings.Contains(lower, m) {
				return n.grantAdvice(r.permission, r.resource)
			}
		}
	}
	if n.opts.AuthMode == AuthDelegated {
		return "The signed-in user lacks the Microsoft Graph permission this query needs. " +
			"Sign in with an account that has it, or ask an administrator to consent to the required delegated scope."
	}
	return "The app registration lacks the Microsoft Graph permission this query needs. " +
		"Add the required application permission and grant admin consent."
}

func (n *Normalizer) grantAdvice(permission, resource string) string {
	if n.opts.AuthMode == AuthDelegated {
		return "Reading " + resource + " requires the " + permission + " delegated permission. " +
			"Ask an administrator to consent to it, then sign in again."
	}
	return "Reading " + resource + " requires the " + permission + " application permission. " +
		"Add it to the app registration and grant admin consent."
}

func (n *Normalizer) permissionResult(raw, advice string) Result {
	detail := truncate(strings.TrimSpace(raw), 300)
	return Result{
		Kind:        KindPermissionError,
		Value:       detail,
		Text:        "Permission denied: " + detail + "\n\n" + advice,
		Remediation: advice,
	}
}

// echoKeys are the argument names a graph tool server sends back when
// it could not run the query.
var echoKeys = map[string]bool{
	"apitype": true, "path": true, "method": true, "queryparams": true,
	"body": true, "graphapiversion": true, "fetchall": true, "consistencylevel": true,
}

// isArgumentEcho reports whether text is a JSON object that repeats the
// call arguments instead of carrying data.
func isArgumentEcho(text string, args map[string]any) bool {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil || len(obj) == 0 {
		return false
	}

	if len(args) > 0 {
		var want map[string]any
		raw, err := json.Marshal(args)
		if err == nil && json.Unmarshal(raw, &want) == nil && reflect.DeepEqual(obj, want) {
			return true
		}
	}

	if _, ok := obj["path"]; !ok {
		return false
	}
	for k := range obj {
		if !echoKeys[strings.ToLower(k)] {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
