// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package recovery

import (
	"net/http"
	"strings"

	"github.com/sigil-dev/relay/internal/retry"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// Class is the failure category that selects the repair family.
type Class string

const (
	ClassSyntax     Class = "syntax"
	ClassPermission Class = "permission"
	ClassOther      Class = "other"
)

var syntaxSignatures = []string{
	"syntax error",
	"invalid filter",
	"invalid $filter",
	"badrequest",
	"bad request",
	"unterminated string",
	"could not find a property",
	"parse error",
	"expected literal",
	"expected a ",
	"is not valid",
	"invalid odata",
	"query option",
	"unsupported query",
}

var permissionSignatures = []string{
	"authorization_requestdenied",
	"insufficient privileges",
	"erroraccessdenied",
	"access denied",
	"accessdenied",
	"forbidden",
	"status 403",
	"(403)",
	"permission",
	"insufficient scope",
}

// Classify picks the failure category of a tool call error. HTTP status
// and error code win over message text.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}
	if relayerr.IsUnauthorized(err) {
		return ClassPermission
	}
	if status, ok := retry.StatusOf(err); ok {
		switch status {
		case http.StatusForbidden, http.StatusUnauthorized:
			return ClassPermission
		case http.StatusBadRequest:
			return ClassSyntax
		}
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range permissionSignatures {
		if strings.Contains(msg, sig) {
			return ClassPermission
		}
	}
	for _, sig := range syntaxSignatures {
		if strings.Contains(msg, sig) {
			return ClassSyntax
		}
	}
	return ClassOther
}
