package idpauth

import (
	"net/http"
	"strings"
)

type middlewareOptions struct {
	optional  bool
	devBypass *DevBypassClaims
}

// MiddlewareOption customizes the HTTP middleware.
type MiddlewareOption func(*middlewareOptions)

// WithOptionalAuth lets requests without an Authorization header through unauthenticated.
func WithOptionalAuth() MiddlewareOption {
	return func(o *middlewareOptions) {
		o.optional = true
	}
}

// WithDevBypass skips token verification and binds the given synthetic caller.
// Only for local development.
func WithDevBypass(claims DevBypassClaims) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.devBypass = &claims
	}
}

// Middleware authenticates bearer tokens for the named domain and binds the
// caller claims into the request context. Any verification failure is answered
// with a generic 401.
func (a *Authorizer) Middleware(domainName string, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	var o middlewareOptions
	for _, opt := range opts {
		opt(&o)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if o.devBypass != nil {
				caller := o.devBypass.ToCallerClaims()
				caller.Domain = domainName
				next.ServeHTTP(w, r.WithContext(BindCallerClaims(r.Context(), caller)))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if o.optional {
					next.ServeHTTP(w, r)
					return
				}
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			token, ok := bearerToken(authHeader)
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			claims, err := a.Authorize(r.Context(), token, domainName)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			ctx := BindCallerClaims(r.Context(), CallerClaims{Claims: claims, Domain: domainName})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects callers that hold none of the given tenant roles with a 403.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := CallerClaimsFromContext(r.Context())
			if !ok || caller.Claims == nil {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			tenant := caller.Tenant()
			for _, role := range roles {
				if tenant.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeJSONError(w, http.StatusForbidden, "forbidden")
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
