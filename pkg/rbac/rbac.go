package rbac

import "fmt"

// Role names the capability a caller must hold for an escrow operation.
type Role string

const (
	RoleAdmin  Role = "admin"  // registers projects
	RoleOracle Role = "oracle" // attests milestones
	RoleDAO    Role = "dao"    // releases funding
)

// Operation permissions, used as labels in logs and error messages.
const (
	PermissionRegisterProject   = "project:register"
	PermissionCompleteMilestone = "milestone:complete"
	PermissionReleaseFunding    = "funding:release"
)

var rolePermissions = map[Role][]string{
	RoleAdmin:  {PermissionRegisterProject},
	RoleOracle: {PermissionCompleteMilestone},
	RoleDAO:    {PermissionReleaseFunding},
}

// RoleFor returns the role that owns permission.
func RoleFor(permission string) (Role, bool) {
	for role, perms := range rolePermissions {
		for _, p := range perms {
			if p == permission {
				return role, true
			}
		}
	}
	return "", false
}

// HasCapability reports whether caller is the holder of a role token.
// Identities are opaque: equality is the only check, and an empty holder
// grants nothing.
func HasCapability(caller, holder string) bool {
	return holder != "" && caller == holder
}

// CheckPermission returns a *PermissionDeniedError unless caller holds the
// role token that owns permission.
func CheckPermission(caller, holder, permission string) error {
	if !HasCapability(caller, holder) {
		role, _ := RoleFor(permission)
		return &PermissionDeniedError{
			Caller:     caller,
			Role:       role,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError describes a failed capability check.
type PermissionDeniedError struct {
	Caller     string
	Role       Role
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("caller %q is not the %s (%s)", e.Caller, e.Role, e.Permission)
}
