// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorKind classifies provider failures for retry and fallback decisions.
type ErrorKind string

const (
	KindRateLimit      ErrorKind = "rate_limit"
	KindTimeout        ErrorKind = "timeout"
	KindServer         ErrorKind = "server_error"
	KindNetwork        ErrorKind = "network"
	KindAuth           ErrorKind = "auth"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindQuota          ErrorKind = "quota_exceeded"
	KindSchema         ErrorKind = "schema_validation"
	KindUnsupported    ErrorKind = "unsupported"
	KindUnknown        ErrorKind = "unknown"
)

// Retryable reports whether the same provider should be tried again.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindTimeout, KindServer, KindNetwork:
		return true
	}
	return false
}

// Error is a classified provider failure.
type Error struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Provider, e.Kind)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// SchemaValidationError reports structured output that did not match the
// requested schema.
type SchemaValidationError struct {
	Schema   string
	Problems []string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("response does not match schema %q: %s", e.Schema, strings.Join(e.Problems, "; "))
}

// QuotaExceededError is returned before any provider is called once a job has
// spent its budget.
type QuotaExceededError struct {
	JobID  string
	Spent  float64
	Budget float64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("job %s exceeded provider budget: spent $%.4f of $%.4f", e.JobID, e.Spent, e.Budget)
}

// ExhaustedError is returned when every provider in a route failed.
type ExhaustedError struct {
	Task     Task
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all providers failed for task %s after %d attempts: %v", e.Task, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// KindOf returns the classification of err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var se *SchemaValidationError
	if errors.As(err, &se) {
		return KindSchema
	}
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return KindQuota
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

// IsTransient reports whether err is worth retrying at a higher level, e.g.
// re-running a pipeline stage after its route was exhausted by rate limits.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err).Retryable()
}

// classifyStatus maps an HTTP error status and body to an ErrorKind.
func classifyStatus(status int, body string) ErrorKind {
	lower := strings.ToLower(body)
	switch {
	case status == http.StatusTooManyRequests:
		if strings.Contains(lower, "insufficient_quota") || strings.Contains(lower, "quota exceeded") {
			return KindQuota
		}
		return KindRateLimit
	case status == http.StatusPaymentRequired:
		return KindQuota
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == 529 || status >= 500:
		return KindServer
	case status >= 400:
		return KindInvalidRequest
	}
	return KindUnknown
}

// httpError builds a classified error from a non-2xx response.
func httpError(provider string, status int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return &Error{Provider: provider, Kind: classifyStatus(status, msg), Status: status, Message: msg}
}

// transportError classifies a failure to complete an HTTP exchange. Caller
// cancellation is passed through unchanged so it is never retried.
func transportError(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	kind := KindNetwork
	if k := KindOf(err); k == KindTimeout {
		kind = k
	}
	return &Error{Provider: provider, Kind: kind, Err: err}
}
