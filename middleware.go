package jwtauth

import (
	"errors"
	"net/http"
	"strconv"
)

type middlewareOptions struct {
	required bool
	realm    string
}

// MiddlewareOption customizes Middleware.
type MiddlewareOption func(*middlewareOptions)

// RequireCredential makes requests without any credential fail with 401.
// By default they pass through unauthenticated.
func RequireCredential(required bool) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.required = required
	}
}

// WithRealm sets the realm advertised in WWW-Authenticate.
func WithRealm(realm string) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.realm = realm
	}
}

// Middleware authenticates each request with a and binds the caller into
// the request context.
func Middleware(a RequestAuthenticator, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	options := middlewareOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	challenge := "Bearer"
	if options.realm != "" {
		challenge += " realm=" + strconv.Quote(options.realm)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := a.AuthenticateCaller(r)
			switch {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(BindCaller(r.Context(), caller)))
			case errors.Is(err, ErrNoCredential) && !options.required:
				next.ServeHTTP(w, r)
			default:
				w.Header().Set("WWW-Authenticate", challenge)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			}
		})
	}
}
