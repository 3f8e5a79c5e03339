package models

// User is an account able to log into the dashboard API.
type User struct {
	ID             int64   `json:"id"`
	Username       string  `json:"username"`
	Email          *string `json:"email"`
	FullName       *string `json:"full_name"`
	HashedPassword string  `json:"-"`
	IsActive       bool    `json:"is_active"`
	IsSuperuser    bool    `json:"is_superuser"`
	OrganizationID *int64  `json:"organization_id"`
}

type UserCreate struct {
	Username       string  `json:"username"`
	Email          *string `json:"email"`
	FullName       *string `json:"full_name"`
	Password       string  `json:"password"`
	IsActive       *bool   `json:"is_active"`
	IsSuperuser    bool    `json:"is_superuser"`
	OrganizationID *int64  `json:"organization_id"`
}

// SameOrganization reports whether both ids point at the same tenant.
// Two nil ids are considered the same (no tenant).
func SameOrganization(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
