package state

import (
	"fmt"

	"github.com/holiman/uint256"

	"escrowchain/native/escrow"
)

// Depositor is the deposit entry point of an escrow instance.
type Depositor interface {
	DepositFunded(caller escrow.Identity, value *uint256.Int, fund func(staged escrow.Snapshot) error) error
}

// SnapshotSource reports the current escrow snapshot.
type SnapshotSource interface {
	Snapshot() escrow.Snapshot
}

// Vault is the custody account of a single escrow instance. It implements
// escrow.Environment on top of the ledger.
type Vault struct {
	manager *Manager
	custody escrow.Identity
	source  SnapshotSource
}

var _ escrow.Environment = (*Vault)(nil)

// NewVault binds the custody identity to the ledger.
func NewVault(manager *Manager, custody escrow.Identity) *Vault {
	return &Vault{manager: manager, custody: custody}
}

// Track makes every custody movement persist the escrow snapshot in the same
// write as the balances. Movements happen while the instance is staged in its
// destination state, so the stored snapshot always accounts for the custody
// balance.
func (v *Vault) Track(source SnapshotSource) {
	v.source = source
}

// Custody returns the identity holding the escrowed value.
func (v *Vault) Custody() escrow.Identity { return v.custody }

// Transfer moves amount out of custody to the recipient.
func (v *Vault) Transfer(to escrow.Identity, amount *uint256.Int) error {
	if v.source == nil {
		return v.manager.Move(v.custody, to, amount)
	}
	return v.manager.MoveWithEscrow(v.custody, to, amount, v.source.Snapshot())
}

// Balance reports the custodied balance. Storage failures report zero so a
// movement cannot proceed on an unknown balance; CustodyBalance surfaces them.
func (v *Vault) Balance() *uint256.Int {
	bal, err := v.CustodyBalance()
	if err != nil {
		return uint256.NewInt(0)
	}
	return bal
}

// CustodyBalance reads the custodied balance from the ledger.
func (v *Vault) CustodyBalance() (*uint256.Int, error) {
	bal, err := v.manager.Balance(v.custody)
	if err != nil {
		return nil, fmt.Errorf("vault: custody balance: %w", err)
	}
	return bal, nil
}

// Deposit couples the arrival of value in custody with the instance's deposit
// operation. The value leaves the caller only after the instance accepted the
// deposit, so state and role errors take precedence over ledger errors.
func (v *Vault) Deposit(d Depositor, caller escrow.Identity, value *uint256.Int) error {
	return d.DepositFunded(caller, value, func(staged escrow.Snapshot) error {
		var err error
		if v.source == nil {
			err = v.manager.Move(caller, v.custody, value)
		} else {
			err = v.manager.MoveWithEscrow(caller, v.custody, value, staged)
		}
		if err != nil {
			return fmt.Errorf("vault: fund deposit: %w", err)
		}
		return nil
	})
}

// Reconcile returns value stranded in custody while the instance still awaits
// payment to the sender. It reports the amount returned.
func (v *Vault) Reconcile(snap escrow.Snapshot) (*uint256.Int, error) {
	if snap.State != escrow.StateAwaitingPayment {
		return uint256.NewInt(0), nil
	}
	bal, err := v.CustodyBalance()
	if err != nil {
		return nil, err
	}
	if bal.IsZero() {
		return bal, nil
	}
	if err := v.manager.MoveWithEscrow(v.custody, snap.Parties.Sender, bal, snap); err != nil {
		return nil, fmt.Errorf("vault: reconcile custody: %w", err)
	}
	return bal, nil
}
