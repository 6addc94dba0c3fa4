package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"escrowchain/native/escrow"
	"escrowchain/storage"
)

type storedEscrow struct {
	Sender     [20]byte
	Receiver   [20]byte
	Arbitrator [20]byte
	Amount     *big.Int
	State      uint8
}

func newStoredEscrow(s escrow.Snapshot) *storedEscrow {
	amount := big.NewInt(0)
	if s.Amount != nil {
		amount = s.Amount.ToBig()
	}
	return &storedEscrow{
		Sender:     s.Parties.Sender,
		Receiver:   s.Parties.Receiver,
		Arbitrator: s.Parties.Arbitrator,
		Amount:     amount,
		State:      uint8(s.State),
	}
}

func (s *storedEscrow) toSnapshot() (escrow.Snapshot, error) {
	if s == nil {
		return escrow.Snapshot{}, fmt.Errorf("escrow: nil storage record")
	}
	amount := uint256.NewInt(0)
	if s.Amount != nil {
		converted, overflow := uint256.FromBig(s.Amount)
		if overflow {
			return escrow.Snapshot{}, fmt.Errorf("%w: amount overflows 256 bits", escrow.ErrInvalidSnapshot)
		}
		amount = converted
	}
	out := escrow.Snapshot{
		Parties: escrow.Parties{
			Sender:     s.Sender,
			Receiver:   s.Receiver,
			Arbitrator: s.Arbitrator,
		},
		Amount: amount,
		State:  escrow.State(s.State),
	}
	if err := out.Validate(); err != nil {
		return escrow.Snapshot{}, err
	}
	return out, nil
}

// EscrowPut persists the escrow snapshot after validating it.
func (m *Manager) EscrowPut(s escrow.Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return m.KVPut(escrowSnapshotKey, newStoredEscrow(s))
}

// MoveWithEscrow applies a balance move and persists the escrow snapshot in a
// single batch, so a crash cannot separate the custody balance from the state
// that accounts for it.
func (m *Manager) MoveWithEscrow(from, to [20]byte, amount *uint256.Int, s escrow.Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(newStoredEscrow(s))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var batch storage.Batch
	if amount != nil && !amount.IsZero() {
		if err := m.stageMove(&batch, from, to, amount); err != nil {
			return err
		}
	}
	batch.Put(escrowSnapshotKey, encoded)
	return m.writeBatch(batch)
}

// EscrowGet loads the persisted snapshot. The boolean is false when no escrow
// was stored yet.
func (m *Manager) EscrowGet() (escrow.Snapshot, bool, error) {
	stored := new(storedEscrow)
	ok, err := m.KVGet(escrowSnapshotKey, stored)
	if err != nil || !ok {
		return escrow.Snapshot{}, false, err
	}
	snap, err := stored.toSnapshot()
	if err != nil {
		return escrow.Snapshot{}, false, err
	}
	return snap, true, nil
}
