// Package apierror defines the error taxonomy surfaced by the REST gateway.
// Lower layers return sentinel errors; From maps them onto a typed Error
// carrying a stable code and the HTTP status used on the wire.
package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dreamware/conveyor/internal/connector"
	"github.com/dreamware/conveyor/internal/storage"
)

const (
	ErrorCodePrefix = "CONV"

	// NotFound occurs when the named connector, task or resource does not exist
	ErrorNotFound       Code = 4
	ErrorNotFoundReason      = "Resource not found"

	// Conflict occurs when a connector with the same name already exists
	ErrorConflict       Code = 9
	ErrorConflictReason      = "A connector with the specified name already exists"

	// ConfigInvalid occurs when a connector config fails validation or task generation
	ErrorConfigInvalid       Code = 22
	ErrorConfigInvalidReason      = "Connector configuration is invalid"

	// BadRequest occurs when the request body or path cannot be interpreted
	ErrorBadRequest       Code = 21
	ErrorBadRequestReason      = "Bad request"

	// Transient occurs when the store or cluster cannot serve the request right now; safe to retry
	ErrorTransient       Code = 3
	ErrorTransientReason      = "Service temporarily unavailable, retry the request"

	// General occurs when an error fails to match any other error code
	ErrorGeneral       Code = 1
	ErrorGeneralReason      = "Unspecified error"
)

type Code int

// Error is a typed failure with a reason and the HTTP status it maps to.
type Error struct {
	Code     Code
	Reason   string
	HTTPCode int
	cause    error
}

var definitions = map[Code]Error{
	ErrorNotFound:      {ErrorNotFound, ErrorNotFoundReason, http.StatusNotFound, nil},
	ErrorConflict:      {ErrorConflict, ErrorConflictReason, http.StatusConflict, nil},
	ErrorConfigInvalid: {ErrorConfigInvalid, ErrorConfigInvalidReason, http.StatusBadRequest, nil},
	ErrorBadRequest:    {ErrorBadRequest, ErrorBadRequestReason, http.StatusBadRequest, nil},
	ErrorTransient:     {ErrorTransient, ErrorTransientReason, http.StatusServiceUnavailable, nil},
	ErrorGeneral:       {ErrorGeneral, ErrorGeneralReason, http.StatusInternalServerError, nil},
}

// New builds an Error for code; reason overrides the default text when non-empty.
func New(code Code, reason string, values ...interface{}) *Error {
	def, ok := definitions[code]
	if !ok {
		def = definitions[ErrorGeneral]
	}
	switch {
	case reason != "" && len(values) > 0:
		def.Reason = fmt.Sprintf(reason, values...)
	case reason != "":
		def.Reason = reason
	}
	return &def
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", CodeStr(e.Code), e.Reason)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether a client may safely repeat the request.
func (e *Error) Retryable() bool {
	return e.Code == ErrorTransient
}

func (e *Error) Is404() bool {
	return e.Code == ErrorNotFound
}

func (e *Error) IsConflict() bool {
	return e.Code == ErrorConflict
}

func CodeStr(code Code) string {
	return fmt.Sprintf("%s-%d", ErrorCodePrefix, code)
}

func NotFound(reason string, values ...interface{}) *Error {
	return New(ErrorNotFound, reason, values...)
}

func Conflict(reason string, values ...interface{}) *Error {
	return New(ErrorConflict, reason, values...)
}

func ConfigInvalid(reason string, values ...interface{}) *Error {
	return New(ErrorConfigInvalid, reason, values...)
}

func BadRequest(reason string, values ...interface{}) *Error {
	return New(ErrorBadRequest, reason, values...)
}

func Transient(reason string, values ...interface{}) *Error {
	return New(ErrorTransient, reason, values...)
}

func GeneralError(reason string, values ...interface{}) *Error {
	return New(ErrorGeneral, reason, values...)
}

// From classifies err. Errors already typed pass through; storage and
// connector sentinels map to their kinds; anything else is General.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	var e *Error
	switch {
	case errors.Is(err, storage.ErrNotFound):
		e = NotFound("%s", err)
	case errors.Is(err, storage.ErrConflict):
		e = Conflict("%s", err)
	case errors.Is(err, connector.ErrConfigInvalid):
		e = ConfigInvalid("%s", err)
	case errors.Is(err, storage.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		e = Transient("%s", err)
	default:
		e = GeneralError("%s", err)
	}
	e.cause = err
	return e
}

// Body is the JSON error document returned by the gateway.
type Body struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (e *Error) Body() Body {
	return Body{ErrorCode: CodeStr(e.Code), Message: e.Reason}
}
