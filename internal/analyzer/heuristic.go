// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package analyzer

import (
	"regexp"
	"strings"

	"github.com/sigil-dev/relay/internal/toolserver"
)

var (
	// productKeywords name Microsoft products. Any of them routes a
	// documentation-or-web question to the docs tool.
	productKeywords = keywordPattern(
		"microsoft entra", "entra", "azure ad", "azure active directory", "active directory",
		"intune", "microsoft graph", "graph api", "conditional access", "microsoft 365",
		"office 365", "m365", "defender", "purview", "sharepoint", "onedrive", "teams",
		"exchange online", "outlook", "power platform", "azure",
	)

	docsIntents = keywordPattern(
		"explain", "what is", "what are", "what's", "how do i", "how do you", "how to", "how can i",
		"documentation", "docs", "configure", "set up", "setup", "enable", "best practice",
		"tutorial", "guide", "difference between", "overview", "why does", "learn",
	)

	webIntents = keywordPattern(
		"latest", "news", "today's", "this week", "announced", "announcement", "release date",
		"price", "pricing", "weather", "search the web", "on the web", "google", "blog",
		"outage", "current events", "who won",
	)

	dataVerbs = keywordPattern(
		"how many", "count", "number of", "total", "list", "show", "display", "get", "find",
		"who", "which", "give me", "fetch", "pull", "report", "recent", "last",
	)

	countWords = keywordPattern("how many", "count", "number of", "total")
)

// keywordPattern matches any of words as whole words, allowing a plural
// "s", so "count" does not fire inside "accounts".
func keywordPattern(words ...string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)s?\b`)
}

// entity is one directory object family the heuristics know how to query.
type entity struct {
	name      string
	keywords  *regexp.Regexp
	path      string
	countPath string
	params    map[string]any
}

// entities are matched in order; the first hit wins.
var entities = []entity{
	{
		name:     "sign-ins",
		keywords: keywordPattern("sign-in", "signin", "sign in", "login", "log-in", "logon"),
		path:     "/auditLogs/signIns",
	},
	{
		name:      "guests",
		keywords:  keywordPattern("guest"),
		path:      "/users",
		countPath: "/users/$count",
		params: map[string]any{
			"$filter": "userType eq 'Guest'",
			"$select": "displayName,mail,userPrincipalName,createdDateTime",
		},
	},
	{
		name:      "groups",
		keywords:  keywordPattern("group"),
		path:      "/groups",
		countPath: "/groups/$count",
		params:    map[string]any{"$select": "displayName,description,groupTypes,mail"},
	},
	{
		name:      "service principals",
		keywords:  keywordPattern("service principal", "enterprise app"),
		path:      "/servicePrincipals",
		countPath: "/servicePrincipals/$count",
		params:    map[string]any{"$select": "displayName,appId,servicePrincipalType"},
	},
	{
		name:      "applications",
		keywords:  keywordPattern("application", "app registration", "app"),
		path:      "/applications",
		countPath: "/applications/$count",
		params:    map[string]any{"$select": "displayName,appId,createdDateTime"},
	},
	{
		name:      "devices",
		keywords:  keywordPattern("device", "laptop", "computer", "workstation"),
		path:      "/devices",
		countPath: "/devices/$count",
		params:    map[string]any{"$select": "displayName,operatingSystem,operatingSystemVersion,approximateLastSignInDateTime"},
	},
	{
		name:     "me",
		keywords: keywordPattern("my profile", "about me", "who am i", "my account"),
		path:     "/me",
	},
	{
		name:      "users",
		keywords:  keywordPattern("user", "account", "people", "employee", "member", "staff"),
		path:      "/users",
		countPath: "/users/$count",
		params: map[string]any{
			"$select": "displayName,userPrincipalName,mail,jobTitle,department",
			"$top":    "25",
		},
	},
}

var (
	// namePatterns capture a person's name: "sign-ins for Ada Lovelace",
	// "Ada Lovelace's sign-ins".
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:for|by|of|from|user)\s+([A-Z][a-zA-Z'-]+(?:\s+[A-Z][a-zA-Z'-]+)*)`),
		regexp.MustCompile(`\b([A-Z][a-zA-Z-]+(?:\s+[A-Z][a-zA-Z-]+)*)'s\b`),
	}
	emailPattern = regexp.MustCompile(`[\w.+-]+@[\w-]+(?:\.[\w-]+)+`)
)

// nameStopWords are capitalised words that are not names.
var nameStopWords = map[string]bool{
	"the": true, "last": true, "this": true, "today": true, "yesterday": true, "all": true,
	"our": true, "my": true, "me": true, "us": true, "everyone": true, "microsoft": true,
	"entra": true, "azure": true, "monday": true, "friday": true, "i": true,
	"list": true, "show": true, "display": true, "get": true, "find": true, "give": true,
	"fetch": true, "pull": true, "who": true, "which": true, "how": true, "what": true,
}

const (
	baseGraphConfidence = 0.5
	baseDocsConfidence  = 0.55
	baseWebConfidence   = 0.5
	baseNoneConfidence  = 0.3
	signalBoost         = 0.15
)

// Heuristic classifies turn with keyword sets and picks a Graph template
// for directory-data questions.
func Heuristic(turn string) QueryAnalysis {
	lower := strings.ToLower(strings.TrimSpace(turn))
	qa := QueryAnalysis{Source: SourceHeuristic}

	product := productKeywords.MatchString(lower)
	docs := docsIntents.MatchString(lower)
	web := webIntents.MatchString(lower)
	verb := dataVerbs.MatchString(lower)
	ent, hasEntity := matchEntity(lower)

	switch {
	case hasEntity && (verb || !docs):
		qa.NeedsGraphTool = true
		qa.Confidence = baseGraphConfidence
		graphTemplate(&qa, turn, lower, ent)
		if verb {
			qa.Confidence += signalBoost
		}
		if verb && !docs {
			qa.Confidence += signalBoost
		}
	case product || (docs && !web):
		// Product questions go to docs even when they read like web searches.
		qa.NeedsDocsTool = true
		qa.Confidence = baseDocsConfidence
		if product {
			qa.Confidence += signalBoost
		}
		if docs && product {
			qa.Confidence += signalBoost
		}
		qa.Reasoning = "heuristic: documentation question"
	case web:
		qa.NeedsWebTool = true
		qa.Confidence = baseWebConfidence + signalBoost
		qa.Reasoning = "heuristic: general web question"
	default:
		qa.Confidence = baseNoneConfidence
		qa.Reasoning = "heuristic: no lookup needed"
	}
	qa.Confidence = clamp(qa.Confidence)
	return qa
}

func graphTemplate(qa *QueryAnalysis, turn, lower string, ent entity) {
	qa.Method = "get"

	if ent.name == "sign-ins" {
		qa.Endpoint = ent.path
		if name, ok := extractIdentity(turn); ok {
			field := "userDisplayName"
			if strings.Contains(name, "@") {
				field = "userPrincipalName"
			}
			qa.Params = map[string]any{
				"$filter": field + " eq '" + strings.ReplaceAll(name, "'", "''") + "'",
				"$top":    "10",
			}
			qa.Confidence += signalBoost
			qa.Reasoning = "heuristic: sign-ins for " + name
			return
		}
		qa.Params = map[string]any{"$orderby": "createdDateTime desc", "$top": "10"}
		qa.Reasoning = "heuristic: recent sign-ins"
		return
	}

	if ent.countPath != "" && countWords.MatchString(lower) {
		qa.Endpoint = ent.countPath
		qa.Params = map[string]any{toolserver.ConsistencyLevelParam: "eventual"}
		if f, ok := ent.params["$filter"]; ok {
			qa.Params["$filter"] = f
		}
		qa.Reasoning = "heuristic: count of " + ent.name
		return
	}

	qa.Endpoint = ent.path
	if len(ent.params) > 0 {
		qa.Params = make(map[string]any, len(ent.params))
		for k, v := range ent.params {
			qa.Params[k] = v
		}
	}
	qa.Reasoning = "heuristic: list " + ent.name
}

func matchEntity(lower string) (entity, bool) {
	for _, e := range entities {
		if e.keywords.MatchString(lower) {
			return e, true
		}
	}
	return entity{}, false
}

// extractIdentity finds an email address or a capitalised name in turn.
func extractIdentity(turn string) (string, bool) {
	if m := emailPattern.FindString(turn); m != "" {
		return m, true
	}
	for _, re := range namePatterns {
		for _, m := range re.FindAllStringSubmatch(turn, -1) {
			words := strings.Fields(m[1])
			for len(words) > 0 && nameStopWords[strings.ToLower(words[0])] {
				words = words[1:]
			}
			if len(words) > 0 {
				return strings.Join(words, " "), true
			}
		}
	}
	return "", false
}
