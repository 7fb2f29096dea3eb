// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"
	CodeConfigWatchFailure         Code = "config.watch.failure"

	CodeProviderConfigInvalid   Code = "provider.config.invalid"
	CodeProviderRequestInvalid  Code = "provider.request.invalid"
	CodeProviderResponseInvalid Code = "provider.response.invalid"
	CodeProviderUpstreamFailure Code = "provider.upstream.failure"
	CodeProviderNotRunning      Code = "provider.local.not_running"
	CodeProviderKindUnsupported Code = "provider.kind.unsupported"
	CodeProviderAllUnavailable  Code = "provider.routing.all_unavailable"
	CodeProviderNoneConfigured  Code = "provider.routing.not_found"

	CodeRetryAttemptsExhausted Code = "retry.attempts.exhausted"

	CodeToolServerNotFound    Code = "tool.server.not_found"
	CodeToolNotFound          Code = "tool.registry.not_found"
	CodeToolCallFailure       Code = "tool.call.failure"
	CodeToolCallTimeout       Code = "tool.call.timeout"
	CodeToolCallDenied        Code = "tool.call.denied"
	CodeToolResponseInvalid   Code = "tool.response.invalid_format"
	CodeToolRecoveryExhausted Code = "tool.recovery.exhausted"

	CodeAnalyzerResponseInvalid Code = "analyzer.response.invalid_format"
	CodeAnalyzerInputInvalid    Code = "analyzer.input.invalid"

	CodeDirectiveParseInvalid  Code = "directive.parse.invalid_format"
	CodeDirectiveSelectInvalid Code = "directive.select.invalid"

	CodeTurnInputInvalid Code = "turn.input.invalid"
	CodeTurnFailure      Code = "turn.generate.failure"

	CodeTelemetrySetupFailure Code = "telemetry.setup.failure"

	CodeStoreOpenFailure        Code = "store.open.failure"
	CodeStoreWriteFailure       Code = "store.write.failure"
	CodeStoreQueryFailure       Code = "store.query.failure"
	CodeStoreBackendUnsupported Code = "store.backend.unsupported"

	CodeSecretInputInvalid   Code = "secret.input.invalid"
	CodeSecretNotFound       Code = "secret.entry.not_found"
	CodeSecretKeyringFailure Code = "secret.keyring.failure"
	CodeSecretResolveFailure Code = "secret.resolve.failure"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerEntityNotFound  Code = "server.entity.not_found"
	CodeServerConfigInvalid   Code = "server.config.invalid"
	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerShutdownFailure Code = "server.shutdown.failure"
	CodeServerRateLimited     Code = "server.request.budget_exceeded"

	CodeCLIRequestFailure Code = "cli.request.failure"
	CodeCLISetupFailure   Code = "cli.setup.failure"
	CodeCLIInputInvalid   Code = "cli.input.invalid"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// FieldValue creates a structured error field.
func FieldValue(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

// Field is kept as the primary helper for terse callsites.
func Field(key string, value any) Attr {
	return FieldValue(key, value)
}

func FieldProvider(value string) Attr {
	return Field("provider", value)
}

func FieldServer(value string) Attr {
	return Field("server", value)
}

func FieldTool(value string) Attr {
	return Field("tool", value)
}

func FieldAttempts(value int) Attr {
	return Field("attempts", value)
}

func FieldStrategy(value string) Attr {
	return Field("strategy", value)
}

func FieldEndpoint(value string) Attr {
	return Field("endpoint", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

// Coder is implemented by typed domain errors that carry their own code
// on top of a wrapped cause.
type Coder interface {
	ErrorCode() Code
}

// CodeOf returns the outermost Coder's code, else the code of the oops
// error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	var coder Coder
	if stderrors.As(err, &coder) {
		return coder.ErrorCode()
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

func IsUnauthorized(err error) bool {
	r := reason(CodeOf(err))
	return r == "unauthorized" || r == "forbidden" || r == "denied"
}

func IsUnavailable(err error) bool {
	r := reason(CodeOf(err))
	return r == "all_unavailable" || r == "not_running"
}

func IsBudgetExceeded(err error) bool {
	r := reason(CodeOf(err))
	return r == "exceeded" || r == "budget_exceeded"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsUpstreamFailure(err error) bool {
	code := CodeOf(err)
	return strings.Contains(string(code), "upstream") && reason(code) == "failure"
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsUnauthorized(err):
		if reason(CodeOf(err)) == "forbidden" || reason(CodeOf(err)) == "denied" {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case IsBudgetExceeded(err):
		return http.StatusTooManyRequests
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsUpstreamFailure(err):
		return http.StatusBadGateway
	case IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
