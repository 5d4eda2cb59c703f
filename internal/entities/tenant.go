package entities

import (
	"regexp"
	"time"
)

// MaxTenantIDLength keeps derived schema names within Postgres identifier limits.
const MaxTenantIDLength = 56

var tenantIDPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidTenantID reports whether id is a safe tenant identifier.
func ValidTenantID(id string) bool {
	if id == "" || len(id) > MaxTenantIDLength {
		return false
	}
	return tenantIDPattern.MatchString(id)
}

// Namespace is the isolated storage partition of one tenant.
type Namespace struct {
	TenantID  string    `json:"tenant_id"`
	Schema    string    `json:"schema"`
	CreatedAt time.Time `json:"created_at"`
}

// SchemaFor derives the partition name of a validated tenant id.
func SchemaFor(tenantID string) string {
	return "tenant_" + tenantID
}

// Identity is the verified caller supplied by the identity provider.
type Identity struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// IsAdmin reports whether the caller administers its organization.
func (i Identity) IsAdmin() bool {
	return i.Role == "admin" || i.Role == "org:admin"
}
