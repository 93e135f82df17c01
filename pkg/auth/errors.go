package auth

import (
	"errors"
	"fmt"
)

// Sentinel errors for authentication and authorization.
var (
	// Authentication errors. All of them reject the request before
	// any store access happens.
	ErrMissingCredentials = errors.New("auth: missing credentials")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenMalformed     = errors.New("auth: token malformed")
	ErrUserInactive       = errors.New("auth: user is inactive")
	ErrTenantInactive     = errors.New("auth: tenant is inactive")

	// Authorization errors
	ErrForbidden   = errors.New("auth: access denied")
	ErrRateLimited = errors.New("auth: rate limit exceeded")
)

// DeniedError carries the who/what/why of a tool-access denial.
type DeniedError struct {
	Subject string
	Tool    string
	Reason  string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("access denied: subject=%q tool=%q reason=%q", e.Subject, e.Tool, e.Reason)
}

// Is lets errors.Is(err, ErrForbidden) match any denial.
func (e *DeniedError) Is(target error) bool {
	return target == ErrForbidden
}

// IsAuthError reports whether err is a credential failure as opposed
// to an authorization denial.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingCredentials) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrUserInactive) ||
		errors.Is(err, ErrTenantInactive)
}
