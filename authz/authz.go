// Package authz answers one question for the API layer: is this user
// allowed to perform this action on this resource type? Roles come from
// the user record; the permission matrix is static.
package authz

import "context"

// Role represents a user's role within a project.
type Role string

const (
	RoleAdmin  Role = "admin"  // manage schedules, policies, teams, keys
	RoleMember Role = "member" // operate: trigger, acknowledge, edit schedules
	RoleViewer Role = "viewer" // read-only
)

// Action represents an operation on on-call resources.
type Action string

const (
	ActionView        Action = "view"
	ActionCreate      Action = "create"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionTrigger     Action = "trigger"
	ActionAcknowledge Action = "acknowledge"
	ActionManage      Action = "manage" // admin-only: API keys, membership
)

// Authorizer checks permissions. Kept behind an interface so the SQL
// implementation can later be swapped for an external policy engine.
type Authorizer interface {
	Check(ctx context.Context, userID string, action Action) bool
	GetRole(ctx context.Context, userID string) Role
}

// Permissions is the role/action matrix for on-call resources.
var Permissions = map[Role]map[Action]bool{
	RoleAdmin: {
		ActionView:        true,
		ActionCreate:      true,
		ActionUpdate:      true,
		ActionDelete:      true,
		ActionTrigger:     true,
		ActionAcknowledge: true,
		ActionManage:      true,
	},
	RoleMember: {
		ActionView:        true,
		ActionCreate:      true,
		ActionUpdate:      true,
		ActionDelete:      false,
		ActionTrigger:     true,
		ActionAcknowledge: true,
		ActionManage:      false,
	},
	RoleViewer: {
		ActionView:        true,
		ActionCreate:      false,
		ActionUpdate:      false,
		ActionDelete:      false,
		ActionTrigger:     false,
		ActionAcknowledge: false,
		ActionManage:      false,
	},
}

// HasPermission checks the matrix for one role/action pair. Unknown roles
// and unknown actions are denied.
func HasPermission(role Role, action Action) bool {
	perms, ok := Permissions[role]
	if !ok {
		return false
	}
	return perms[action]
}
