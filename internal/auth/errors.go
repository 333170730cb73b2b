package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("resource conflict")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingSecret = errors.New("auth secret is not configured")

	// ErrUserInactive matches ErrUnauthorized as well.
	ErrUserInactive = fmt.Errorf("%w: user is not active", ErrUnauthorized)
)
