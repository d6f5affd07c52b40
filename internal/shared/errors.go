package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidIdentity indicates a malformed identity assertion.
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrDuplicateSubject indicates an insert lost a race on the subject key.
	ErrDuplicateSubject = errors.New("duplicate subject")
	// ErrAccountInactive indicates the account has been deactivated.
	ErrAccountInactive = errors.New("account inactive")
)
