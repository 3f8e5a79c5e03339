package models

import "time"

// Organization is a tenant boundary. Users and devices belong to at most one.
type Organization struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type OrganizationCreate struct {
	Name        string  `json:"name"`
	Slug        string  `json:"slug"`
	Description *string `json:"description"`
}

type OrganizationUpdate struct {
	Name        *string `json:"name"`
	Slug        *string `json:"slug"`
	Description *string `json:"description"`
}

// Onboarding creates an organization together with its first admin.
type Onboarding struct {
	OrgName        string  `json:"org_name"`
	OrgSlug        string  `json:"org_slug"`
	OrgDescription *string `json:"org_description"`
	AdminEmail     string  `json:"admin_email"`
	AdminPassword  string  `json:"admin_password"`
	AdminName      string  `json:"admin_name"`
}
