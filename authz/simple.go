package authz

import (
	"context"
	"database/sql"
	"log"
)

// SimpleAuthorizer resolves roles with direct SQL against the users
// table. It only checks permissions; user CRUD lives in the services.
type SimpleAuthorizer struct {
	db *sql.DB
}

func NewSimpleAuthorizer(db *sql.DB) *SimpleAuthorizer {
	return &SimpleAuthorizer{db: db}
}

var _ Authorizer = (*SimpleAuthorizer)(nil)

// GetRole returns the user's role, or "" for unknown or inactive users.
func (a *SimpleAuthorizer) GetRole(ctx context.Context, userID string) Role {
	var role string
	err := a.db.QueryRowContext(ctx, `
		SELECT role FROM users
		WHERE id = $1 AND is_active = true
	`, userID).Scan(&role)

	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("Error getting user role: %v", err)
		}
		return ""
	}
	return Role(role)
}

// Check reports whether the user may perform the action.
func (a *SimpleAuthorizer) Check(ctx context.Context, userID string, action Action) bool {
	role := a.GetRole(ctx, userID)
	if role == "" {
		return false
	}
	return HasPermission(role, action)
}
