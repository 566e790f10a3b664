package roles

import (
	"errors"
	"fmt"

	"github.com/shora-sharif/relay-bot/internal/models"
)

var (
	// ErrUnknownRole means the tag is not one of the five fixed roles.
	ErrUnknownRole = errors.New("unknown role")
	// ErrMisconfiguredBinding means the role is known but has no usable user id.
	ErrMisconfiguredBinding = errors.New("misconfigured role binding")
)

// Directory is the immutable role to responsible-user mapping, built once
// from configuration at startup.
type Directory struct {
	bindings map[models.Role]int64
	holders  map[int64]models.Role
}

// NewDirectory validates the configured bindings and builds the directory.
// Every one of the five roles must have a positive user id; anything less is
// a startup configuration error.
func NewDirectory(bindings map[models.Role]int64) (*Directory, error) {
	d := &Directory{
		bindings: make(map[models.Role]int64, len(models.AllRoles)),
		holders:  make(map[int64]models.Role, len(models.AllRoles)),
	}
	for _, role := range models.AllRoles {
		userID, ok := bindings[role]
		if !ok || userID <= 0 {
			return nil, fmt.Errorf("role %q: %w", role, ErrMisconfiguredBinding)
		}
		d.bindings[role] = userID
		d.holders[userID] = role
	}
	return d, nil
}

// Resolve returns the user id responsible for the given role.
func (d *Directory) Resolve(role models.Role) (int64, error) {
	userID, ok := d.bindings[role]
	if !ok {
		if _, err := models.ParseRole(string(role)); err != nil {
			return 0, fmt.Errorf("role %q: %w", role, ErrUnknownRole)
		}
		return 0, fmt.Errorf("role %q: %w", role, ErrMisconfiguredBinding)
	}
	return userID, nil
}

// Holder reports whether the user id belongs to a role-holder, and which role.
func (d *Directory) Holder(userID int64) (models.Role, bool) {
	role, ok := d.holders[userID]
	return role, ok
}

// Tags returns the role tags in stable menu order.
func (d *Directory) Tags() []models.Role {
	tags := make([]models.Role, len(models.AllRoles))
	copy(tags, models.AllRoles)
	return tags
}
