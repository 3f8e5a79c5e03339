package api

import (
	"net/http"
	"strings"

	"github.com/ponytojas/go-iot-hub/internal/auth"
	"github.com/ponytojas/go-iot-hub/internal/models"
)

func (s *Server) listOrganizations(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := page(r)
	if err != nil {
		writeError(w, err)
		return
	}
	orgs, err := s.store.ListOrganizations(r.Context(), skip, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, orgs)
}

func (s *Server) createOrganization(w http.ResponseWriter, r *http.Request) {
	var in models.OrganizationCreate
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := validateOrganization(in.Name, in.Slug); err != nil {
		writeError(w, err)
		return
	}
	org, err := s.store.CreateOrganization(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, org)
}

func (s *Server) getOrganization(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	org, err := s.store.GetOrganization(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, org)
}

func (s *Server) updateOrganization(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var in models.OrganizationUpdate
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	org, err := s.store.UpdateOrganization(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, org)
}

func (s *Server) deleteOrganization(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteOrganization(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// onboard creates a tenant and its first admin in one step.
func (s *Server) onboard(w http.ResponseWriter, r *http.Request) {
	var in models.Onboarding
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	in.AdminEmail = strings.TrimSpace(in.AdminEmail)
	if err := validateOrganization(in.OrgName, in.OrgSlug); err != nil {
		writeError(w, err)
		return
	}
	for field, value := range map[string]string{"admin_email": in.AdminEmail, "admin_password": in.AdminPassword} {
		if err := required(field, value); err != nil {
			writeError(w, err)
			return
		}
	}

	hash, err := auth.HashPassword(in.AdminPassword)
	if err != nil {
		writeError(w, err)
		return
	}
	email := in.AdminEmail
	admin := &models.User{
		Username:       in.AdminEmail,
		Email:          &email,
		HashedPassword: hash,
		IsActive:       true,
	}
	if in.AdminName != "" {
		name := in.AdminName
		admin.FullName = &name
	}

	org, err := s.store.Onboard(r.Context(), models.OrganizationCreate{
		Name:        in.OrgName,
		Slug:        in.OrgSlug,
		Description: in.OrgDescription,
	}, admin)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, org)
}

func validateOrganization(name, slug string) error {
	if err := required("name", name); err != nil {
		return err
	}
	return required("slug", slug)
}
