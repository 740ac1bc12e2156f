package accounts

import (
	"strings"
	"time"
)

// Role gates admin-only operations.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// ValidRole reports whether the value is one of the supported roles.
func ValidRole(role Role) bool {
	return role == RoleAdmin || role == RoleUser
}

// AllowedEmail is one allowlist entry. Only allowlisted addresses may
// register, and the entry's role is copied onto the account at registration.
type AllowedEmail struct {
	Email   string `json:"email"`
	Role    Role   `json:"role"`
	AddedAt string `json:"addedAt"`
	AddedBy string `json:"addedBy"`
}

// User is a registered account. PasswordHash is part of the persisted layout
// but must never appear in an API response; handlers serialize PublicUser.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	PasswordHash string `json:"passwordHash"`
	Role         Role   `json:"role"`
	CreatedAt    string `json:"createdAt"`
	LastLogin    string `json:"lastLogin,omitempty"`
	IsActive     bool   `json:"isActive"`
}

// PublicUser is the outward-facing account view.
type PublicUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Role      Role   `json:"role"`
	CreatedAt string `json:"createdAt"`
	LastLogin string `json:"lastLogin,omitempty"`
	IsActive  bool   `json:"isActive"`
}

// Public strips the credential from the account.
func (u User) Public() PublicUser {
	return PublicUser{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
		LastLogin: u.LastLogin,
		IsActive:  u.IsActive,
	}
}

// BootstrapAllowlist builds the first-run allowlist: exactly one admin entry
// so the configured operator can register before anyone else.
func BootstrapAllowlist(adminEmail string, now time.Time) []AllowedEmail {
	return []AllowedEmail{{
		Email:   NormalizeEmail(adminEmail),
		Role:    RoleAdmin,
		AddedAt: now.UTC().Format(time.RFC3339),
		AddedBy: "system",
	}}
}

// NormalizeEmail lower-cases and trims an address; emails compare
// case-insensitively everywhere.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
