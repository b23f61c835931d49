package jwtauth

import "time"

// Claims represents the verified contents of a subject-signed JWT.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	JWTID     string
	Nonce     string

	// KeyID and Algorithm come from the protected header.
	KeyID     string
	Algorithm string

	CustomClaims map[string]any
}

// ReplayKey returns the value used to detect token reuse. The nonce claim
// wins over jti; an empty result means the token carries neither.
func (c *Claims) ReplayKey() string {
	if c == nil {
		return ""
	}
	id := c.Nonce
	if id == "" {
		id = c.JWTID
	}
	if id == "" {
		return ""
	}
	return c.Subject + ":" + id
}
