package jwtauth

import "context"

type callerKey struct{}

// CallerIdentity is the authenticated caller stored in a request context.
type CallerIdentity struct {
	Identity  *Identity
	Claims    *Claims
	DevBypass bool
}

// BindCaller stores the caller inside the context for downstream consumers.
func BindCaller(ctx context.Context, caller CallerIdentity) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext retrieves a caller previously stored in the context.
func CallerFromContext(ctx context.Context) (CallerIdentity, bool) {
	if ctx == nil {
		return CallerIdentity{}, false
	}
	value := ctx.Value(callerKey{})
	if value == nil {
		return CallerIdentity{}, false
	}
	caller, ok := value.(CallerIdentity)
	return caller, ok
}
