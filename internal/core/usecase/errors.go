package usecase

import "errors"

// Authorization failures. They are client-caused and never retried.
var (
	ErrMissingToken          = errors.New("missing token")
	ErrInvalidToken          = errors.New("invalid token")
	ErrRevoked               = errors.New("token revoked")
	ErrInsufficientPrivilege = errors.New("insufficient privilege")
)

var (
	ErrStoreUnavailable = errors.New("token store unavailable")
	ErrMintExhausted    = errors.New("token mint exhausted collision retries")
)

// IsAuthFailure reports whether err is one of the authorization failures.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrMissingToken) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrRevoked) ||
		errors.Is(err, ErrInsufficientPrivilege)
}
