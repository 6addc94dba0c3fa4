// Package escrow implements a three-party escrow instance. A sender deposits
// funds, the receiver confirms receipt to release them, and an arbitrator
// settles disputes by directing the funds to either party. Exactly one fund
// movement can occur over the lifetime of an instance.
package escrow

import (
	"fmt"

	"github.com/holiman/uint256"

	"escrowchain/crypto"
)

// Identity is an opaque 20-byte principal reference. The zero value is the
// null identity.
type Identity [crypto.AddressLength]byte

// IsZero reports whether the identity is the null identity.
func (id Identity) IsZero() bool { return id == Identity{} }

// Bytes returns a copy of the identity payload.
func (id Identity) Bytes() []byte { return append([]byte(nil), id[:]...) }

// String renders the identity as a bech32 address.
func (id Identity) String() string {
	return crypto.MustNewAddress(crypto.EscrowPrefix, id[:]).String()
}

// ParseIdentity decodes a bech32 escrow address.
func ParseIdentity(s string) (Identity, error) {
	raw, err := crypto.DecodeEscrowAddress(s)
	if err != nil {
		return Identity{}, fmt.Errorf("escrow: parse identity: %w", err)
	}
	return Identity(raw), nil
}

// Parties captures the three immutable roles of an escrow instance.
type Parties struct {
	Sender     Identity
	Receiver   Identity
	Arbitrator Identity
}

// Validate enforces that no party is the null identity and that all three are
// pairwise distinct.
func (p Parties) Validate() error {
	switch {
	case p.Sender.IsZero():
		return fmt.Errorf("%w: sender is the null identity", ErrInvalidParties)
	case p.Receiver.IsZero():
		return fmt.Errorf("%w: receiver is the null identity", ErrInvalidParties)
	case p.Arbitrator.IsZero():
		return fmt.Errorf("%w: arbitrator is the null identity", ErrInvalidParties)
	case p.Sender == p.Receiver:
		return fmt.Errorf("%w: sender and receiver must differ", ErrInvalidParties)
	case p.Sender == p.Arbitrator:
		return fmt.Errorf("%w: sender and arbitrator must differ", ErrInvalidParties)
	case p.Arbitrator == p.Receiver:
		return fmt.Errorf("%w: arbitrator and receiver must differ", ErrInvalidParties)
	}
	return nil
}

// Roles returns the roles held by the identity. Validated parties are
// distinct, so at most one role is ever returned.
func (p Parties) Roles(id Identity) []Role {
	var roles []Role
	if id == p.Sender {
		roles = append(roles, RoleSender)
	}
	if id == p.Receiver {
		roles = append(roles, RoleReceiver)
	}
	if id == p.Arbitrator {
		roles = append(roles, RoleArbitrator)
	}
	return roles
}

// Environment is the deployment collaborator holding custody of the escrowed
// value. Transfer may fail and may call back into the machine before it
// returns.
type Environment interface {
	Transfer(to Identity, amount *uint256.Int) error
	Balance() *uint256.Int
}

func cloneQuantity(v *uint256.Int) *uint256.Int {
	if v == nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(v)
}
