// Package ginauth adapts jwtauth request authentication to gin.
package ginauth

import (
	"errors"
	"net/http"

	"github.com/bionicotaku/lingo-utils-jwtauth"
	"github.com/gin-gonic/gin"
)

// CallerKey is the gin context key holding the jwtauth.CallerIdentity.
const CallerKey = "jwtauth_caller"

// Middleware authenticates every request with a. A rejected credential
// aborts with 401. A missing one aborts only when required is set.
func Middleware(a jwtauth.RequestAuthenticator, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := a.AuthenticateCaller(c.Request)
		switch {
		case err == nil:
			c.Request = c.Request.WithContext(jwtauth.BindCaller(c.Request.Context(), caller))
			c.Set(CallerKey, caller)
		case errors.Is(err, jwtauth.ErrNoCredential) && !required:
		default:
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": string(jwtauth.ErrCodeAuthenticationFailed),
			})
			return
		}
		c.Next()
	}
}

// Caller returns the caller stored by Middleware.
func Caller(c *gin.Context) (jwtauth.CallerIdentity, bool) {
	val, exists := c.Get(CallerKey)
	if !exists {
		return jwtauth.CallerIdentity{}, false
	}
	caller, ok := val.(jwtauth.CallerIdentity)
	return caller, ok
}
