package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ponytojas/go-iot-hub/internal/auth"
	"github.com/ponytojas/go-iot-hub/internal/models"
)

// Token is the access-token response of the login endpoint.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (s *Server) loginAccessToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errMalformed, err))
		return
	}
	username, password := r.PostForm.Get("username"), r.PostForm.Get("password")
	if username == "" || password == "" {
		writeError(w, fmt.Errorf("%w: username and password are required", errMalformed))
		return
	}

	u, err := auth.Login(r.Context(), s.store, username, password)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := s.issuer.Issue(u)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, Token{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, auth.Principal(r.Context()))
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	caller := auth.Principal(r.Context())

	var in models.UserCreate
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	in.Username = strings.TrimSpace(in.Username)
	if err := required("username", in.Username); err != nil {
		writeError(w, err)
		return
	}
	if err := required("password", in.Password); err != nil {
		writeError(w, err)
		return
	}
	orgID, err := assignOrganization(caller, in.OrganizationID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !caller.IsSuperuser {
		in.IsSuperuser = false
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	u, err := s.store.CreateUser(r.Context(), &models.User{
		Username:       in.Username,
		Email:          in.Email,
		FullName:       in.FullName,
		HashedPassword: hash,
		IsActive:       active,
		IsSuperuser:    in.IsSuperuser,
		OrganizationID: orgID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, u)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := page(r)
	if err != nil {
		writeError(w, err)
		return
	}
	users, err := s.store.ListUsers(r.Context(), scope(auth.Principal(r.Context())), skip, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, users)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	u, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !canAccess(auth.Principal(r.Context()), u.OrganizationID) {
		writeError(w, fmt.Errorf("user %d: %w", id, models.ErrNotFound))
		return
	}
	JSONResponse(w, http.StatusOK, u)
}
