package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role is the authorization level carried by a user record.
type Role string

const (
	RoleNone  Role = "NONE"
	RoleAdmin Role = "ADMIN"
)

// ParseRole maps user input onto a known role. Matching is case-insensitive.
func ParseRole(s string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return role, nil
}

func (r Role) Valid() bool {
	return r == RoleNone || r == RoleAdmin
}

func (r Role) String() string {
	return string(r)
}

// User represents an authenticated user of the system.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
