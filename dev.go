package jwtauth

// DevBypassIdentity holds attributes used when synthesizing a caller in dev mode.
type DevBypassIdentity struct {
	Subject string
	Name    string
	Kind    IdentityKind
}

// ToCaller converts the dev bypass configuration into a caller.
func (d DevBypassIdentity) ToCaller() CallerIdentity {
	identity := &Identity{
		Subject: d.Subject,
		ID:      d.Subject,
		Name:    d.Name,
		Kind:    d.Kind,
		Active:  true,
	}
	return CallerIdentity{
		Identity:  identity,
		Claims:    &Claims{Subject: d.Subject},
		DevBypass: true,
	}
}

// DefaultDevBypass returns a baseline identity suitable for local development.
func DefaultDevBypass() DevBypassIdentity {
	return DevBypassIdentity{
		Subject: "dev-bypass",
		Name:    "Local Developer",
		Kind:    IdentityUser,
	}
}
