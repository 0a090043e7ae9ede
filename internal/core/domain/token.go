package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrTokenExists      = errors.New("token value already exists")
	ErrInvalidPrivilege = errors.New("invalid privilege")
	ErrStore            = errors.New("store failure")
)

type Privilege string

const (
	PrivilegeUser  Privilege = "user"
	PrivilegeAdmin Privilege = "admin"
)

func ParsePrivilege(raw string) (Privilege, error) {
	switch Privilege(raw) {
	case PrivilegeUser, PrivilegeAdmin:
		return Privilege(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPrivilege, raw)
	}
}

func PrivilegeFromAdmin(isAdmin bool) Privilege {
	if isAdmin {
		return PrivilegeAdmin
	}
	return PrivilegeUser
}

func (p Privilege) Valid() bool {
	return p == PrivilegeUser || p == PrivilegeAdmin
}

func (p Privilege) IsAdmin() bool {
	return p == PrivilegeAdmin
}

// Token is a bearer credential and its metadata. Value, Privilege and CreatedAt
// never change after minting; Revoked only moves from false to true.
type Token struct {
	ID        string
	Value     string
	Privilege Privilege
	CreatedAt time.Time
	Revoked   bool
	RevokedAt *time.Time
}

func (t Token) Active() bool {
	return !t.Revoked
}

type TokenFilter struct {
	ActiveOnly bool
}
