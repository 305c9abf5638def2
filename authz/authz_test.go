package authz

import (
	"testing"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		name   string
		role   Role
		action Action
		want   bool
	}{
		// Admin permissions
		{"admin can view", RoleAdmin, ActionView, true},
		{"admin can create", RoleAdmin, ActionCreate, true},
		{"admin can update", RoleAdmin, ActionUpdate, true},
		{"admin can delete", RoleAdmin, ActionDelete, true},
		{"admin can trigger", RoleAdmin, ActionTrigger, true},
		{"admin can acknowledge", RoleAdmin, ActionAcknowledge, true},
		{"admin can manage", RoleAdmin, ActionManage, true},

		// Member permissions
		{"member can view", RoleMember, ActionView, true},
		{"member can create", RoleMember, ActionCreate, true},
		{"member can update", RoleMember, ActionUpdate, true},
		{"member cannot delete", RoleMember, ActionDelete, false},
		{"member can trigger", RoleMember, ActionTrigger, true},
		{"member can acknowledge", RoleMember, ActionAcknowledge, true},
		{"member cannot manage", RoleMember, ActionManage, false},

		// Viewer permissions
		{"viewer can view", RoleViewer, ActionView, true},
		{"viewer cannot create", RoleViewer, ActionCreate, false},
		{"viewer cannot update", RoleViewer, ActionUpdate, false},
		{"viewer cannot delete", RoleViewer, ActionDelete, false},
		{"viewer cannot trigger", RoleViewer, ActionTrigger, false},
		{"viewer cannot acknowledge", RoleViewer, ActionAcknowledge, false},

		// Invalid role
		{"invalid role returns false", Role("invalid"), ActionView, false},
		{"empty role returns false", Role(""), ActionView, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HasPermission(tt.role, tt.action)
			if got != tt.want {
				t.Errorf("HasPermission() = %v, want %v", got, tt.want)
			}
		})
	}
}
