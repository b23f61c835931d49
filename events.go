package jwtauth

import (
	"context"
	"time"
)

// AuthEvent describes the outcome of one authentication attempt.
// Subject is empty when the token was rejected before its signature
// was verified.
type AuthEvent struct {
	Subject   string    `json:"subject,omitempty"`
	Code      ErrorCode `json:"code,omitempty"`
	DevBypass bool      `json:"dev_bypass,omitempty"`
	At        time.Time `json:"at"`
}

// Denied reports whether the attempt was rejected.
func (e AuthEvent) Denied() bool { return e.Code != "" }

// EventSink receives authentication outcomes. Implementations must not block.
type EventSink interface {
	AuthenticationEvent(ctx context.Context, event AuthEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event AuthEvent)

// AuthenticationEvent implements EventSink.
func (f EventSinkFunc) AuthenticationEvent(ctx context.Context, event AuthEvent) {
	f(ctx, event)
}
