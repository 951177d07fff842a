package idpauth

import (
	"strings"
	"time"
)

// DefaultClaimNamespace prefixes the custom claims added by the post-login token action.
const DefaultClaimNamespace = "https://saas-serverless"

// Roles assigned by the post-login token action.
const (
	RoleSystemAdmin     = "SystemAdmin"
	RoleCustomerSupport = "CustomerSupport"
	RoleTenantAdmin     = "TenantAdmin"
	RoleTenantUser      = "TenantUser"
)

// Claims represents normalized claims of a verified tenant token.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	JWTID     string

	Email    string
	TenantID string
	Tier     string
	Roles    []string
	Scopes   []string

	CustomClaims map[string]any

	tenant *TenantClaims
}

// TenantClaims is the simplified view of the namespaced application claims.
type TenantClaims struct {
	Username string
	TenantID string
	Roles    []string
}

// Role returns the first role, or an empty string when the token carries none.
func (t TenantClaims) Role() string {
	if len(t.Roles) == 0 {
		return ""
	}
	return t.Roles[0]
}

// HasRole reports whether role is one of the tenant roles.
func (t TenantClaims) HasRole(role string) bool {
	for _, r := range t.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ExtractTenantClaims reads the namespaced email, tenant id and role claims.
// Missing or mistyped fields are left empty; it never fails.
func ExtractTenantClaims(raw map[string]any, namespace string) TenantClaims {
	ns := normalizeNamespace(namespace)
	return TenantClaims{
		Username: stringClaim(raw, ns+"/email"),
		TenantID: stringClaim(raw, ns+"/tenantId"),
		Roles:    stringList(raw[ns+"/roles"]),
	}
}

// ClaimsFromMap builds normalized claims from a verified claims mapping.
func ClaimsFromMap(raw map[string]any, namespace string) *Claims {
	ns := normalizeNamespace(namespace)
	tenant := ExtractTenantClaims(raw, ns)

	claims := &Claims{
		Subject:  stringClaim(raw, "sub"),
		Issuer:   stringClaim(raw, "iss"),
		Audience: stringList(raw["aud"]),
		JWTID:    stringClaim(raw, "jti"),
		Email:    strings.ToLower(tenant.Username),
		TenantID: tenant.TenantID,
		Tier:     stringClaim(raw, ns+"/tier"),
		Roles:    tenant.Roles,
		tenant:   &tenant,
	}
	if claims.Email == "" {
		claims.Email = strings.ToLower(stringClaim(raw, "email"))
	}
	if t, ok := numericDate(raw["exp"]); ok {
		claims.ExpiresAt = t.UTC()
	}
	if t, ok := numericDate(raw["nbf"]); ok {
		claims.NotBefore = t.UTC()
	}
	if t, ok := numericDate(raw["iat"]); ok {
		claims.IssuedAt = t.UTC()
	}
	if scope, ok := raw["scope"].(string); ok {
		claims.Scopes = strings.Fields(scope)
	} else if scopes, ok := raw["scopes"]; ok {
		claims.Scopes = stringList(scopes)
	}
	if len(raw) > 0 {
		claims.CustomClaims = make(map[string]any, len(raw))
		for k, v := range raw {
			claims.CustomClaims[k] = v
		}
	}
	return claims
}

// Tenant returns the tenant view of the claims. For claims built by ClaimsFromMap
// it is exactly what ExtractTenantClaims reads from the same mapping; claims
// assembled in code fall back to Email, TenantID and Roles.
func (c *Claims) Tenant() TenantClaims {
	if c == nil {
		return TenantClaims{}
	}
	if c.tenant != nil {
		return TenantClaims{
			Username: c.tenant.Username,
			TenantID: c.tenant.TenantID,
			Roles:    append([]string(nil), c.tenant.Roles...),
		}
	}
	return TenantClaims{
		Username: c.Email,
		TenantID: c.TenantID,
		Roles:    append([]string(nil), c.Roles...),
	}
}

func normalizeNamespace(namespace string) string {
	ns := strings.TrimRight(strings.TrimSpace(namespace), "/")
	if ns == "" {
		return DefaultClaimNamespace
	}
	return ns
}

func stringClaim(raw map[string]any, key string) string {
	if s, ok := raw[key].(string); ok {
		return s
	}
	return ""
}

func stringList(value any) []string {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
		return nil
	default:
		return nil
	}
}
