package idpauth

import (
	"errors"
	"fmt"
)

// ErrorCode represents verification and authorizer error categories.
type ErrorCode string

const (
	ErrCodeMalformedToken      ErrorCode = "malformed_token"
	ErrCodeUnknownKey          ErrorCode = "unknown_key"
	ErrCodeSignatureInvalid    ErrorCode = "signature_invalid"
	ErrCodeExpired             ErrorCode = "token_expired"
	ErrCodeAudienceMismatch    ErrorCode = "audience_mismatch"
	ErrCodeDomainNotRegistered ErrorCode = "domain_not_registered"
	ErrCodeJWKSUnavailable     ErrorCode = "jwks_unavailable"
	ErrCodeInternal            ErrorCode = "internal_error"
)

var errorMessages = map[ErrorCode]string{
	ErrCodeMalformedToken:      "Malformed token",
	ErrCodeUnknownKey:          "Unknown signing key",
	ErrCodeSignatureInvalid:    "Invalid signature",
	ErrCodeExpired:             "Token expired",
	ErrCodeAudienceMismatch:    "Audience mismatch",
	ErrCodeDomainNotRegistered: "Domain not registered",
	ErrCodeJWKSUnavailable:     "JWKS unavailable",
	ErrCodeInternal:            "Internal error",
}

// Error wraps verification errors with a stable code and message.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Message
	if base == "" {
		base = string(e.Code)
	}
	if e.Err == nil {
		return base
	}
	return fmt.Sprintf("%s: %v", base, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code carried by err, or an empty code when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

func newError(code ErrorCode, err error) error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = string(code)
	}
	return &Error{Code: code, Message: msg, Err: err}
}
