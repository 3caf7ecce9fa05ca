package role

import (
	"errors"
	"strings"
)

// ErrUnknownRole is returned by [Parse] for names outside the role table.
var ErrUnknownRole = errors.New("unknown role")

// Role is an ordered account role. The zero value is [Unknown] and never
// satisfies any requirement.
type Role uint8

const (
	Unknown Role = iota
	User
	Admin
	SuperAdmin
)

var names = [...]string{
	Unknown:    "unknown",
	User:       "user",
	Admin:      "admin",
	SuperAdmin: "superadmin",
}

// String returns the lower-case wire name used in tokens and storage.
func (r Role) String() string {
	if int(r) < len(names) {
		return names[r]
	}
	return names[Unknown]
}

// Valid reports whether r is one of the assignable roles.
func (r Role) Valid() bool {
	return r >= User && r <= SuperAdmin
}

// Parse maps a stored or claimed role name to a [Role]. Matching is
// case-insensitive; "super_admin" is accepted as an alias.
func Parse(name string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "user":
		return User, nil
	case "admin":
		return Admin, nil
	case "superadmin", "super_admin":
		return SuperAdmin, nil
	default:
		return Unknown, ErrUnknownRole
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, ErrUnknownRole
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// HasRole reports whether actual satisfies required.
func HasRole(actual, required Role) bool {
	if !actual.Valid() || !required.Valid() {
		return false
	}
	return actual >= required
}

// IsSelfOrAdmin reports whether the subject may act on a resource owned by
// ownerID: either it is the owner, or it holds at least [Admin].
func IsSelfOrAdmin(subjectID, ownerID string, subjectRole Role) bool {
	if subjectID != "" && subjectID == ownerID {
		return true
	}
	return HasRole(subjectRole, Admin)
}

// CanChangeRole reports whether the actor may change the role of targetID.
// Only a SuperAdmin may do so, and never for itself.
func CanChangeRole(actorID string, actorRole Role, targetID string) bool {
	if actorID == "" || actorID == targetID {
		return false
	}
	return actorRole == SuperAdmin
}
