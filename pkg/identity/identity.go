// Package identity resolves who the local user is and announces it to the
// real-time server after every successful connect.
package identity

import (
	"errors"
	"strings"

	"github.com/lightforgemedia/go-bidsocket/pkg/shared_types"
)

// ErrNoIdentity is returned when no persisted identity is available.
var ErrNoIdentity = errors.New("identity: no identity available")

// Identity is the local actor. A shipper is the external party; everyone
// else is an internal employee identified by EmpID.
type Identity struct {
	Role      string `json:"role"`
	ShipperID string `json:"shipperId,omitempty"`
	ID        string `json:"_id,omitempty"`
	EmpID     string `json:"empId,omitempty"`
	Name      string `json:"name,omitempty"`
}

// IsExternalParty reports whether the identity belongs to a shipper.
func (i Identity) IsExternalParty() bool {
	return strings.EqualFold(i.Role, shared_types.RoleShipper)
}

// IsZero reports whether the identity carries no usable identifier.
func (i Identity) IsZero() bool {
	return i.ShipperID == "" && i.ID == "" && i.EmpID == ""
}

// Resolver looks up the current identity.
type Resolver interface {
	Resolve() (Identity, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func() (Identity, error)

// Resolve calls f.
func (f ResolverFunc) Resolve() (Identity, error) { return f() }

// Static returns a Resolver that always yields id.
func Static(id Identity) Resolver {
	return ResolverFunc(func() (Identity, error) {
		if id.IsZero() {
			return Identity{}, ErrNoIdentity
		}
		return id, nil
	})
}
