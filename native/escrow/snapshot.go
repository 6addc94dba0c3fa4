package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"escrowchain/core/events"
)

var custodyDomain = []byte("escrow/custody")

// CustodyAddress derives the deterministic identity holding the escrowed value
// for the given parties.
func CustodyAddress(p Parties) Identity {
	hash := crypto.Keccak256(custodyDomain, p.Sender[:], p.Receiver[:], p.Arbitrator[:])
	var id Identity
	copy(id[:], hash[len(hash)-len(id):])
	return id
}

// Snapshot is the persisted form of an instance.
type Snapshot struct {
	Parties Parties
	Amount  *uint256.Int
	State   State
}

// Snapshot captures the current fields of the instance.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{Parties: m.parties, Amount: cloneQuantity(m.amount), State: m.state}
}

// Validate checks the snapshot against the instance invariants: valid parties,
// a known state, and an amount that is zero exactly when no deposit happened.
func (s Snapshot) Validate() error {
	if err := s.Parties.Validate(); err != nil {
		return err
	}
	if !s.State.Valid() {
		return fmt.Errorf("%w: unknown state %d", ErrInvalidSnapshot, s.State)
	}
	zero := s.Amount == nil || s.Amount.IsZero()
	switch s.State {
	case StateAwaitingPayment, StateCancelled:
		if !zero {
			return fmt.Errorf("%w: %s with non-zero amount", ErrInvalidSnapshot, s.State)
		}
	default:
		if zero {
			return fmt.Errorf("%w: %s with zero amount", ErrInvalidSnapshot, s.State)
		}
	}
	return nil
}

// Restore rebuilds an instance from a snapshot. No creation event is emitted.
func Restore(s Snapshot, env Environment, emitter events.Emitter) (*Machine, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if env == nil {
		return nil, errNilEnvironment
	}
	return &Machine{
		parties: s.Parties,
		amount:  cloneQuantity(s.Amount),
		state:   s.State,
		env:     env,
		emitter: emitterOrNoop(emitter),
	}, nil
}
