// Package scimerr defines the RFC 7644 §3.12 SCIM error taxonomy as a
// single structured Go error type, in the spirit of imulab/go-scim's
// sentinel errors wrapped with fmt.Errorf("%w: ..."), but collapsed into
// one type so the protocol front end can map any error to an HTTP
// status/body pair in a single place.
package scimerr

import (
	"errors"
	"fmt"
	"net/http"
)

// ScimType is the RFC 7644 §3.12 "scimType" detail code.
type ScimType string

const (
	TypeInvalidFilter ScimType = "invalidFilter"
	TypeInvalidPath   ScimType = "invalidPath"
	TypeInvalidValue  ScimType = "invalidValue"
	TypeInvalidSyntax ScimType = "invalidSyntax"
	TypeMutability    ScimType = "mutability"
	TypeUniqueness    ScimType = "uniqueness"
	TypeNoTarget      ScimType = "noTarget"
	TypeTooMany       ScimType = "tooMany"
	TypeSensitive     ScimType = "sensitive"
)

// SchemaError is the RFC 7644 §3.12 Error resource schema URN.
const SchemaError = "urn:ietf:params:scim:api:messages:2.0:Error"

// Error is a SCIM protocol error: an HTTP status, an optional scimType,
// and a human-readable detail message.
type Error struct {
	Status   int
	ScimType ScimType
	Detail   string
	Cause    error
	CorrID   string // set by the front end when logging an internal error
}

func (e *Error) Error() string {
	if e.ScimType != "" {
		return fmt.Sprintf("%s: %s", e.ScimType, e.Detail)
	}
	return e.Detail
}

func (e *Error) Unwrap() error { return e.Cause }

// As reports whether err (or something it wraps) is a *Error, returning it.
func As(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Document renders e as the RFC 7644 §3.12 JSON Error document fields.
func (e *Error) Document() map[string]any {
	doc := map[string]any{
		"schemas": []string{SchemaError},
		"status":  fmt.Sprintf("%d", e.Status),
		"detail":  e.Detail,
	}
	if e.ScimType != "" {
		doc["scimType"] = string(e.ScimType)
	}
	return doc
}

func newErr(status int, t ScimType, format string, args ...any) *Error {
	return &Error{Status: status, ScimType: t, Detail: fmt.Sprintf(format, args...)}
}

// Constructors, one per row of spec.md §7's taxonomy table.

func BadRequest(format string, args ...any) *Error {
	return newErr(http.StatusBadRequest, "", format, args...)
}

func InvalidFilter(format string, args ...any) *Error {
	return newErr(http.StatusBadRequest, TypeInvalidFilter, format, args...)
}

func InvalidPath(format string, args ...any) *Error {
	return newErr(http.StatusBadRequest, TypeInvalidPath, format, args...)
}

func InvalidValue(format string, args ...any) *Error {
	return newErr(http.StatusBadRequest, TypeInvalidValue, format, args...)
}

func InvalidSyntax(format string, args ...any) *Error {
	return newErr(http.StatusBadRequest, TypeInvalidSyntax, format, args...)
}

func Mutability(format string, args ...any) *Error {
	return newErr(http.StatusBadRequest, TypeMutability, format, args...)
}

func NoTarget(format string, args ...any) *Error {
	return newErr(http.StatusBadRequest, TypeNoTarget, format, args...)
}

func Uniqueness(format string, args ...any) *Error {
	return newErr(http.StatusConflict, TypeUniqueness, format, args...)
}

func TooMany(format string, args ...any) *Error {
	return newErr(http.StatusTooManyRequests, TypeTooMany, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return newErr(http.StatusUnauthorized, "", format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newErr(http.StatusForbidden, "", format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newErr(http.StatusNotFound, "", format, args...)
}

func PreconditionFailed(format string, args ...any) *Error {
	return newErr(http.StatusPreconditionFailed, "", format, args...)
}

func VersionConflict(format string, args ...any) *Error {
	return newErr(http.StatusConflict, "", format, args...)
}

func Internal(corrID string, cause error) *Error {
	return &Error{
		Status: http.StatusInternalServerError,
		Detail: fmt.Sprintf("internal error, correlation id %s", corrID),
		Cause:  cause,
		CorrID: corrID,
	}
}
