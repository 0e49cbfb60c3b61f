// Package access holds the caller identity handed over by the authentication
// layer and the permission checks run at the top of each operation.
package access

import (
	"errors"
	"fmt"
)

var (
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthenticated = errors.New("unauthenticated")
)

type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleBuyer || r == RoleProvider || r == RoleAdmin
}

// Identity is trusted as given; it is never re-derived here.
type Identity struct {
	UserID string
	Role   Role
}

func (id Identity) IsAdmin() bool { return id.Role == RoleAdmin }

func requireKnown(id Identity) error {
	if id.UserID == "" || !id.Role.Valid() {
		return ErrUnauthenticated
	}
	return nil
}

// RequireBuyer allows the buyer that owns a resource, and admins.
func RequireBuyer(id Identity, buyerID string) error {
	if err := requireKnown(id); err != nil {
		return err
	}
	if id.IsAdmin() || id.UserID == buyerID {
		return nil
	}
	return fmt.Errorf("%w: %s is not the buyer", ErrForbidden, id.UserID)
}

// RequireProvider allows the provider that owns a resource, and admins.
func RequireProvider(id Identity, providerID string) error {
	if err := requireKnown(id); err != nil {
		return err
	}
	if id.IsAdmin() || (id.Role == RoleProvider && id.UserID == providerID) {
		return nil
	}
	return fmt.Errorf("%w: %s is not the provider", ErrForbidden, id.UserID)
}

// RequireParticipant allows either side of an order, and admins.
func RequireParticipant(id Identity, buyerID, providerID string) error {
	if err := requireKnown(id); err != nil {
		return err
	}
	if id.IsAdmin() || id.UserID == buyerID || id.UserID == providerID {
		return nil
	}
	return fmt.Errorf("%w: %s is not part of this order", ErrForbidden, id.UserID)
}

func RequireAdmin(id Identity) error {
	if err := requireKnown(id); err != nil {
		return err
	}
	if !id.IsAdmin() {
		return fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	return nil
}
