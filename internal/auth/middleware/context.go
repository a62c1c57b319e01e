package auth

import "context"

// Principal is who a request acts for. Launch users are scoped by the
// platform issuer since sub is only unique per platform; admin operators
// have no issuer.
type Principal struct {
	Issuer  string
	Subject string
}

// Operator reports whether p came from the admin guard.
func (p Principal) Operator() bool { return p.Issuer == "" && p.Subject != "" }

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// SubjectFromContext returns the LTI sub (or admin user name) of the request.
func SubjectFromContext(ctx context.Context) string {
	p, _ := PrincipalFrom(ctx)
	return p.Subject
}
