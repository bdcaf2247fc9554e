package protocol

import "errors"

// Validation errors surfaced verbatim to clients during registration.
var (
	ErrUsernameRequired = errors.New("Username is required")
	ErrUsernameTooShort = errors.New("Username must be at least 2 characters")
	ErrUsernameInvalid  = errors.New("Username can only contain letters, numbers, and underscores")
)

// ValidateUsername enforces the account-name rules: non-empty, at least
// MinUsernameLen characters, restricted to [A-Za-z0-9_].
func ValidateUsername(username string) error {
	if username == "" {
		return ErrUsernameRequired
	}
	if len(username) < MinUsernameLen {
		return ErrUsernameTooShort
	}
	for _, c := range username {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return ErrUsernameInvalid
		}
	}
	return nil
}
