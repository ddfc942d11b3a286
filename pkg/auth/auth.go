// Package auth defines the caller identities the API accepts: scoped bearer
// tokens for operators and finance staff, Ed25519-signed requests for
// registered agents, and the shared-secret ingest token. HTTP wiring lives
// in httpapi; this package owns claims, scopes, and verification.
package auth

// Scope is one granted permission on a bearer token.
type Scope string

const (
	ScopeOpsRead      Scope = "ops_read"
	ScopeOpsWrite     Scope = "ops_write"
	ScopeFinanceRead  Scope = "finance_read"
	ScopeFinanceWrite Scope = "finance_write"
	ScopeAuditRead    Scope = "audit_read"

	ScopeGovernanceTenantRead  Scope = "governance_tenant_read"
	ScopeGovernanceTenantWrite Scope = "governance_tenant_write"
	ScopeGovernanceGlobalRead  Scope = "governance_global_read"
	ScopeGovernanceGlobalWrite Scope = "governance_global_write"
)

// AllScopes lists every scope a token may carry, in grant-file order.
var AllScopes = []Scope{
	ScopeOpsRead, ScopeOpsWrite,
	ScopeFinanceRead, ScopeFinanceWrite,
	ScopeAuditRead,
	ScopeGovernanceTenantRead, ScopeGovernanceTenantWrite,
	ScopeGovernanceGlobalRead, ScopeGovernanceGlobalWrite,
}

// ValidScope reports whether s is a known scope string.
func ValidScope(s string) bool {
	for _, known := range AllScopes {
		if Scope(s) == known {
			return true
		}
	}
	return false
}

// PrincipalKind separates the three caller classes.
type PrincipalKind string

const (
	KindUser   PrincipalKind = "user"
	KindAgent  PrincipalKind = "agent"
	KindIngest PrincipalKind = "ingest"
)

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	Kind     PrincipalKind
	ID       string
	TenantID string
	Scopes   []Scope
}

// HasScope reports whether the principal holds the scope. Global governance
// scopes satisfy their tenant-level counterparts.
func (p *Principal) HasScope(s Scope) bool {
	if p == nil {
		return false
	}
	for _, have := range p.Scopes {
		if have == s {
			return true
		}
		if s == ScopeGovernanceTenantRead && have == ScopeGovernanceGlobalRead {
			return true
		}
		if s == ScopeGovernanceTenantWrite && have == ScopeGovernanceGlobalWrite {
			return true
		}
	}
	return false
}
