// Package domain contains core domain types for the sandbox VM service.
package domain

import (
	"time"
)

// Role names a user's privilege level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User represents an account that owns VMs and a credit balance.
type User struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	Credits   int64     `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsAdmin returns true if the user holds administrative privilege.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
