// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package toolserver

import (
	"fmt"
	"maps"
	"net/url"
	"strings"
)

// ConsistencyLevelParam is the request header Graph needs for $count and
// advanced $filter queries. Analyzer params use it as a key next to the
// $-prefixed query options.
const ConsistencyLevelParam = "ConsistencyLevel"

// GraphQuery is the argument set of a directory-query tool: one REST call
// against the Graph API.
type GraphQuery struct {
	Path             string
	Method           string
	QueryParams      map[string]string
	ConsistencyLevel string
}

// NewGraphQuery builds a query from an endpoint that may carry its own
// query string, a method (lower-cased, "get" when empty) and loose
// params. A ConsistencyLevel key becomes the header; other keys become
// query options.
func NewGraphQuery(endpoint, method string, params map[string]any) GraphQuery {
	q := GraphQuery{Method: strings.ToLower(strings.TrimSpace(method))}
	if q.Method == "" {
		q.Method = "get"
	}

	path, rawQuery, _ := strings.Cut(strings.TrimSpace(endpoint), "?")
	q.Path = path
	if q.Path != "" && !strings.HasPrefix(q.Path, "/") {
		q.Path = "/" + q.Path
	}
	if rawQuery != "" {
		if values, err := url.ParseQuery(rawQuery); err == nil {
			for k := range values {
				q.setParam(k, values.Get(k))
			}
		}
	}
	for k, v := range params {
		q.setParam(k, paramString(v))
	}
	return q
}

func (q *GraphQuery) setParam(key, value string) {
	if strings.EqualFold(key, ConsistencyLevelParam) {
		q.ConsistencyLevel = value
		return
	}
	if q.QueryParams == nil {
		q.QueryParams = make(map[string]string)
	}
	q.QueryParams[key] = value
}

func paramString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case float64:
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprint(x)
	}
}

// Args renders q as tool arguments.
func (q GraphQuery) Args() map[string]any {
	args := map[string]any{
		"apiType": "graph",
		"path":    q.Path,
		"method":  q.Method,
	}
	if len(q.QueryParams) > 0 {
		params := make(map[string]any, len(q.QueryParams))
		for k, v := range q.QueryParams {
			params[k] = v
		}
		args["queryParams"] = params
	}
	if q.ConsistencyLevel != "" {
		args["consistencyLevel"] = q.ConsistencyLevel
	}
	return args
}

// WithoutParams returns a copy with every query option removed.
func (q GraphQuery) WithoutParams() GraphQuery {
	q.QueryParams = nil
	return q
}

// WithPath returns a bare GET of path that keeps the consistency level.
func (q GraphQuery) WithPath(path string) GraphQuery {
	return GraphQuery{Path: path, Method: "get", ConsistencyLevel: q.ConsistencyLevel}
}

// Clone returns a deep copy.
func (q GraphQuery) Clone() GraphQuery {
	q.QueryParams = maps.Clone(q.QueryParams)
	return q
}

// ParseGraphQuery reads tool arguments produced by Args. It reports false
// when args have no path.
func ParseGraphQuery(args map[string]any) (GraphQuery, bool) {
	path, _ := args["path"].(string)
	if path == "" {
		return GraphQuery{}, false
	}
	method, _ := args["method"].(string)
	params := map[string]any{}
	switch qp := args["queryParams"].(type) {
	case map[string]any:
		maps.Copy(params, qp)
	case map[string]string:
		for k, v := range qp {
			params[k] = v
		}
	}
	if cl, ok := args["consistencyLevel"].(string); ok && cl != "" {
		params[ConsistencyLevelParam] = cl
	}
	return NewGraphQuery(path, method, params), true
}

// String renders q as "get /users?$top=5", for logs and notes.
func (q GraphQuery) String() string {
	if len(q.QueryParams) == 0 {
		return q.Method + " " + q.Path
	}
	values := url.Values{}
	for k, v := range q.QueryParams {
		values.Set(k, v)
	}
	query, _ := url.QueryUnescape(values.Encode())
	return q.Method + " " + q.Path + "?" + query
}
