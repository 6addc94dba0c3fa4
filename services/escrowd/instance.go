package escrowd

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"escrowchain/core/events"
	"escrowchain/core/state"
	"escrowchain/native/escrow"
)

// ErrPartiesMismatch is returned when the persisted escrow belongs to other
// parties than the configured ones.
var ErrPartiesMismatch = errors.New("escrowd: persisted escrow has different parties")

// Instance bundles the escrow with its custody vault.
type Instance struct {
	Machine *escrow.Machine
	Vault   *state.Vault
	// Created is true when the escrow was created rather than restored.
	Created bool
	// Reconciled is the custody value returned to the sender on restore.
	Reconciled *uint256.Int
}

// OpenInstance restores the persisted escrow, or creates it with the
// configured sender as creator and persists the initial snapshot. A restored
// escrow still awaiting payment gets any custody balance returned to the
// sender.
func OpenInstance(manager *state.Manager, parties escrow.Parties, emitter events.Emitter) (*Instance, error) {
	if err := parties.Validate(); err != nil {
		return nil, err
	}
	vault := state.NewVault(manager, escrow.CustodyAddress(parties))

	snap, ok, err := manager.EscrowGet()
	if err != nil {
		return nil, fmt.Errorf("escrowd: load snapshot: %w", err)
	}
	if ok {
		if snap.Parties != parties {
			return nil, ErrPartiesMismatch
		}
		machine, err := escrow.Restore(snap, vault, emitter)
		if err != nil {
			return nil, err
		}
		vault.Track(machine)
		returned, err := vault.Reconcile(snap)
		if err != nil {
			return nil, err
		}
		return &Instance{Machine: machine, Vault: vault, Reconciled: returned}, nil
	}

	machine, err := escrow.Create(vault, emitter, parties.Sender, parties.Receiver, parties.Arbitrator)
	if err != nil {
		return nil, err
	}
	vault.Track(machine)
	if err := manager.EscrowPut(machine.Snapshot()); err != nil {
		return nil, fmt.Errorf("escrowd: persist snapshot: %w", err)
	}
	return &Instance{Machine: machine, Vault: vault, Created: true, Reconciled: uint256.NewInt(0)}, nil
}
