package gateway

import (
	"fmt"
	"net/http"
)

// Kind names a failure class. The value is what clients see in the "error"
// field of the response body.
type Kind string

const (
	KindInvalidRequest    Kind = "InvalidRequest"
	KindMethodNotAllowed  Kind = "MethodNotAllowed"
	KindConfiguration     Kind = "ConfigurationError"
	KindUpstream          Kind = "UpstreamError"
	KindContractViolation Kind = "ContractViolation"
)

// Error is the single error type returned by the gateway.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	// Details is echoed to the client. For upstream failures it holds the
	// provider body; for contract violations the raw model content.
	Details any
	// Raw is the unparsed model output of a contract violation.
	Raw string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorBody is the wire shape of a failed ask.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Body() ErrorBody {
	return ErrorBody{Error: string(e.Kind), Message: e.Message, Details: e.Details}
}

func invalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// MethodNotAllowed is returned for any verb other than the ask verb.
func MethodNotAllowed(method string) *Error {
	return &Error{
		Kind:    KindMethodNotAllowed,
		Status:  http.StatusMethodNotAllowed,
		Message: fmt.Sprintf("method %s is not allowed; use POST", method),
	}
}

func configurationError() *Error {
	return &Error{
		Kind:    KindConfiguration,
		Status:  http.StatusInternalServerError,
		Message: "language model credential is not configured",
	}
}

func upstreamError(status int, body string, err error) *Error {
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	var details any
	if body != "" {
		details = body
	}
	return &Error{
		Kind:    KindUpstream,
		Status:  status,
		Message: "language model request failed",
		Details: details,
		Err:     err,
	}
}

func contractViolation(raw string, reason string) *Error {
	return &Error{
		Kind:    KindContractViolation,
		Status:  http.StatusInternalServerError,
		Message: reason,
		Details: raw,
		Raw:     raw,
	}
}
