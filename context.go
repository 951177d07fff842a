package idpauth

import "context"

type callerClaimsKey struct{}

// CallerClaims represents the authenticated caller stored in a request context.
type CallerClaims struct {
	Claims    *Claims
	Domain    string
	DevBypass bool
}

// Tenant returns the caller's tenant view; it is empty when no claims are bound.
func (c CallerClaims) Tenant() TenantClaims {
	return c.Claims.Tenant()
}

// BindCallerClaims stores caller claims inside the context for downstream handlers.
func BindCallerClaims(ctx context.Context, claims CallerClaims) context.Context {
	return context.WithValue(ctx, callerClaimsKey{}, claims)
}

// CallerClaimsFromContext retrieves caller claims previously stored in the context.
func CallerClaimsFromContext(ctx context.Context) (CallerClaims, bool) {
	if ctx == nil {
		return CallerClaims{}, false
	}
	value := ctx.Value(callerClaimsKey{})
	if value == nil {
		return CallerClaims{}, false
	}
	claims, ok := value.(CallerClaims)
	return claims, ok
}
