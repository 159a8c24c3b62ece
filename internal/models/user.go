package models

import (
	"time"

	"github.com/google/uuid"
)

// Role controls which parts of the API a user may reach.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleAgency Role = "agency"
	RolePublic Role = "public"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	switch r {
	case RoleAdmin, RoleAgency, RolePublic:
		return true
	}
	return false
}

// User represents an account. Agency users belong to an organization;
// utilization requests are scoped to it.
type User struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	PasswordHash string     `json:"-" db:"password_hash"`
	FullName     string     `json:"fullName" db:"full_name"`
	Organization string     `json:"organization" db:"organization"`
	Designation  string     `json:"designation" db:"designation"`
	Phone        string     `json:"phone" db:"phone"`
	Address      string     `json:"address" db:"address"`
	Role         Role       `json:"role" db:"role"`
	IsActive     bool       `json:"isActive" db:"is_active"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty" db:"last_login_at"`
}
