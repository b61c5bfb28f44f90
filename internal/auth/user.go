package auth

import (
	"strings"
	"time"
)

// UserStatus captures the account flags checked during authentication.
type UserStatus struct {
	IsEnabled  bool
	IsVerified bool
}

// User is the account aggregate referenced by the token subsystem. The token
// core treats it as opaque state fetched and updated through UserRepository;
// its full lifecycle lives with the registration and profile flows.
type User struct {
	ID             string
	Email          string
	Username       string
	FirstName      string
	LastName       string
	HashedPassword string
	Status         UserStatus
	Roles          []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      time.Time
}

// FullName joins first and last name, falling back to the email address.
func (u *User) FullName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}

// HasRole reports whether the user carries the named role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsDeleted reports whether the account was soft-deleted.
func (u *User) IsDeleted() bool { return !u.DeletedAt.IsZero() }

// NormalizeEmail lower-cases and trims an email address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
