package crypto

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Role distinguishes the three participant roles of the marketplace. The same
// secret yields unrelated identifiers for each role.
type Role uint8

const (
	RoleSeller Role = iota + 1
	RoleCarrier
	RoleBuyer
)

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSeller, RoleCarrier, RoleBuyer:
		return true
	default:
		return false
	}
}

func (r Role) String() string {
	switch r {
	case RoleSeller:
		return "seller"
	case RoleCarrier:
		return "carrier"
	case RoleBuyer:
		return "buyer"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// ParseRole maps the lowercase role name back to its value.
func ParseRole(s string) (Role, error) {
	switch s {
	case "seller":
		return RoleSeller, nil
	case "carrier":
		return RoleCarrier, nil
	case "buyer":
		return RoleBuyer, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) domainTag() []byte {
	switch r {
	case RoleSeller:
		return []byte("dmarket:pk:seller")
	case RoleCarrier:
		return []byte("dmarket:pk:carrier")
	case RoleBuyer:
		return []byte("dmarket:pk:buyer")
	default:
		return nil
	}
}

// InstanceID identifies one deployed market instance.
type InstanceID [32]byte

// DeriveID computes the pseudonymous identifier for role from the caller's
// public key, long-term secret and the market instance. Inputs are length
// prefixed before hashing so that field boundaries cannot be shifted.
//
// DeriveID never fails for a role that reports Valid. Passing any other role
// is a programmer error and panics; decode untrusted roles with ParseRole
// first.
func DeriveID(role Role, publicKey []byte, secret [32]byte, instance InstanceID) PartyID {
	tag := role.domainTag()
	if tag == nil {
		panic(fmt.Sprintf("crypto: invalid role %d", role))
	}
	digest := crypto.Keccak256(
		lengthPrefixed(tag),
		lengthPrefixed(publicKey),
		secret[:],
		instance[:],
	)
	var id PartyID
	copy(id[:], digest)
	return id
}

// Identities bundles the three role identifiers derived from one private state.
type Identities struct {
	Seller  PartyID
	Carrier PartyID
	Buyer   PartyID
}

// For returns the identifier held for role.
func (ids Identities) For(role Role) PartyID {
	switch role {
	case RoleSeller:
		return ids.Seller
	case RoleCarrier:
		return ids.Carrier
	case RoleBuyer:
		return ids.Buyer
	default:
		return PartyID{}
	}
}

// DeriveIdentities derives the identifiers for all three roles.
func DeriveIdentities(publicKey []byte, secret [32]byte, instance InstanceID) Identities {
	return Identities{
		Seller:  DeriveID(RoleSeller, publicKey, secret, instance),
		Carrier: DeriveID(RoleCarrier, publicKey, secret, instance),
		Buyer:   DeriveID(RoleBuyer, publicKey, secret, instance),
	}
}

func lengthPrefixed(b []byte) []byte {
	out := make([]byte, 4+len(b))
	n := uint32(len(b))
	out[0] = byte(n >> 24)
	out[1] = byte(n >> 16)
	out[2] = byte(n >> 8)
	out[3] = byte(n)
	copy(out[4:], b)
	return out
}
