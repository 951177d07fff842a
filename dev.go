package idpauth

// DevBypassClaims holds the synthetic caller used when authentication is bypassed locally.
type DevBypassClaims struct {
	Subject  string
	Issuer   string
	Audience []string
	Email    string
	TenantID string
	Tier     string
	Roles    []string
}

// ToCallerClaims converts the dev bypass configuration into caller claims.
func (d DevBypassClaims) ToCallerClaims() CallerClaims {
	claims := &Claims{
		Subject:  d.Subject,
		Issuer:   d.Issuer,
		Audience: append([]string(nil), d.Audience...),
		Email:    d.Email,
		TenantID: d.TenantID,
		Tier:     d.Tier,
		Roles:    append([]string(nil), d.Roles...),
	}
	return CallerClaims{
		Claims:    claims,
		DevBypass: true,
	}
}

// DefaultDevBypassClaims returns a tenant-admin caller for local development.
func DefaultDevBypassClaims(tenantID string) DevBypassClaims {
	tenant := tenantID
	if tenant == "" {
		tenant = "dev-tenant"
	}
	return DevBypassClaims{
		Subject:  "dev-bypass",
		Issuer:   "idpauth.dev",
		Audience: []string{"https://dev.local/userinfo"},
		Email:    "dev@dev.local",
		TenantID: tenant,
		Tier:     "Basic",
		Roles:    []string{RoleTenantAdmin},
	}
}
