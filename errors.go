package jwtauth

import (
	"errors"
	"fmt"
)

// ErrorCode represents authentication error categories.
type ErrorCode string

const (
	ErrCodeMalformedToken           ErrorCode = "malformed_token"
	ErrCodeAlgorithmNotAllowed      ErrorCode = "algorithm_not_allowed"
	ErrCodeUnknownSigner            ErrorCode = "unknown_signer"
	ErrCodeInvalidSignature         ErrorCode = "invalid_signature"
	ErrCodeExpired                  ErrorCode = "token_expired"
	ErrCodeNotYetValid              ErrorCode = "token_not_yet_valid"
	ErrCodeInvalidIssuer            ErrorCode = "invalid_issuer"
	ErrCodeInvalidAudience          ErrorCode = "invalid_audience"
	ErrCodeReplayedToken            ErrorCode = "replayed_token"
	ErrCodeUnknownIdentity          ErrorCode = "unknown_identity"
	ErrCodeIdentityDisabled         ErrorCode = "identity_disabled"
	ErrCodeKeyStoreUnavailable      ErrorCode = "key_store_unavailable"
	ErrCodeIdentityStoreUnavailable ErrorCode = "identity_store_unavailable"
	ErrCodeAuthenticationFailed     ErrorCode = "authentication_failed"
	ErrCodeInternal                 ErrorCode = "internal_error"
)

var errorMessages = map[ErrorCode]string{
	ErrCodeMalformedToken:           "Malformed token",
	ErrCodeAlgorithmNotAllowed:      "Algorithm not allowed",
	ErrCodeUnknownSigner:            "Unknown signer",
	ErrCodeInvalidSignature:         "Invalid signature",
	ErrCodeExpired:                  "Token expired",
	ErrCodeNotYetValid:              "Token not yet valid",
	ErrCodeInvalidIssuer:            "Invalid issuer",
	ErrCodeInvalidAudience:          "Invalid audience",
	ErrCodeReplayedToken:            "Token already used",
	ErrCodeUnknownIdentity:          "Unknown identity",
	ErrCodeIdentityDisabled:         "Identity disabled",
	ErrCodeKeyStoreUnavailable:      "Key store unavailable",
	ErrCodeIdentityStoreUnavailable: "Identity store unavailable",
	ErrCodeAuthenticationFailed:     "Authentication failed",
	ErrCodeInternal:                 "Internal error",
}

var (
	// ErrNoCredential is returned by request authenticators when the request
	// carries no credential they understand. It is not a failure: other
	// authenticators in a chain may still accept the request.
	ErrNoCredential = errors.New("no credential")

	// ErrAuthenticationFailed is the only failure surfaced at the boundary.
	// It never wraps the underlying cause.
	ErrAuthenticationFailed error = &Error{
		Code:    ErrCodeAuthenticationFailed,
		Message: errorMessages[ErrCodeAuthenticationFailed],
	}

	// ErrKeyNotFound is returned by key resolvers that have no key for a subject.
	ErrKeyNotFound = errors.New("signer key not found")

	// ErrIdentityNotFound is returned by identity stores that have no record for a subject.
	ErrIdentityNotFound = errors.New("identity not found")
)

// Error wraps authentication errors with a stable code and message.
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

// CodeOf extracts the ErrorCode carried by err, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func newError(code ErrorCode, err error) error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = string(code)
	}
	return &Error{Code: code, Message: msg, Err: err}
}
