package models

import "errors"

var (
	// ErrNotFound is returned when a record does not exist or is hidden from the caller.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique field (slug, name, username) is already taken.
	ErrConflict = errors.New("already exists")
	// ErrValidation wraps request validation failures.
	ErrValidation = errors.New("validation failed")
	// ErrForbidden is returned when the caller lacks the privileges for an action.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthorized is returned when credentials are missing or cannot be verified.
	ErrUnauthorized = errors.New("could not validate credentials")
	// ErrInvalidCredentials is returned on a failed login.
	ErrInvalidCredentials = errors.New("incorrect username or password")
	// ErrInactive is returned for disabled users and devices.
	ErrInactive = errors.New("inactive")
)
