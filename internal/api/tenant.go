package api

import (
	"context"
	"fmt"

	"github.com/ponytojas/go-iot-hub/internal/models"
)

// noOrganization scopes queries of users that belong to no tenant. No row carries it.
var noOrganization = int64(0)

// scope returns the organization filter for u; nil means every organization.
// Users outside any organization see nothing unless they are superusers.
func scope(u *models.User) *int64 {
	if u.IsSuperuser {
		return nil
	}
	if u.OrganizationID == nil {
		return &noOrganization
	}
	id := *u.OrganizationID
	return &id
}

func canAccess(u *models.User, orgID *int64) bool {
	if u.IsSuperuser {
		return true
	}
	return u.OrganizationID != nil && models.SameOrganization(u.OrganizationID, orgID)
}

// loadDevice fetches a device the caller may see. Foreign devices look missing.
func (s *Server) loadDevice(ctx context.Context, u *models.User, id int64) (*models.Device, error) {
	d, err := s.store.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canAccess(u, d.OrganizationID) {
		return nil, fmt.Errorf("device %d: %w", id, models.ErrNotFound)
	}
	return d.WithStatus(s.now()), nil
}

// assignOrganization decides the organization a new record of u lands in.
func assignOrganization(u *models.User, requested *int64) (*int64, error) {
	if u.IsSuperuser {
		return requested, nil
	}
	if u.OrganizationID == nil {
		return nil, fmt.Errorf("user has no organization: %w", models.ErrForbidden)
	}
	if requested != nil && *requested != *u.OrganizationID {
		return nil, fmt.Errorf("cannot act in another organization: %w", models.ErrForbidden)
	}
	id := *u.OrganizationID
	return &id, nil
}
