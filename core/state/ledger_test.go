package state

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"escrowchain/native/escrow"
	"escrowchain/storage"
)

func testAccount(b byte) [20]byte {
	var id [20]byte
	id[19] = b
	return id
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	return NewManager(db)
}

func mustBalance(t *testing.T, m *Manager, id [20]byte) uint64 {
	t.Helper()
	bal, err := m.Balance(id)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Uint64()
}

func TestBalanceDefaultsToZero(t *testing.T) {
	m := newTestManager(t)
	if got := mustBalance(t, m, testAccount(1)); got != 0 {
		t.Fatalf("expected zero balance, got %d", got)
	}
}

func TestGenesisAppliedOnce(t *testing.T) {
	m := newTestManager(t)
	allocs := []Allocation{
		{Account: testAccount(1), Balance: uint256.NewInt(100)},
		{Account: testAccount(2), Balance: uint256.NewInt(5)},
		{Account: testAccount(1), Balance: uint256.NewInt(20)},
		{Account: testAccount(3), Balance: nil},
	}
	if err := m.ApplyGenesis(allocs); err != nil {
		t.Fatalf("apply genesis: %v", err)
	}
	if got := mustBalance(t, m, testAccount(1)); got != 120 {
		t.Fatalf("expected 120, got %d", got)
	}
	if got := mustBalance(t, m, testAccount(2)); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
	if err := m.ApplyGenesis(allocs); !errors.Is(err, ErrGenesisApplied) {
		t.Fatalf("expected ErrGenesisApplied, got %v", err)
	}
	if got := mustBalance(t, m, testAccount(1)); got != 120 {
		t.Fatalf("second genesis must not credit, got %d", got)
	}
}

func TestMove(t *testing.T) {
	m := newTestManager(t)
	from, to := testAccount(1), testAccount(2)
	if err := m.ApplyGenesis([]Allocation{{Account: from, Balance: uint256.NewInt(50)}}); err != nil {
		t.Fatalf("apply genesis: %v", err)
	}
	if err := m.Move(from, to, uint256.NewInt(30)); err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := mustBalance(t, m, from); got != 20 {
		t.Fatalf("expected sender balance 20, got %d", got)
	}
	if got := mustBalance(t, m, to); got != 30 {
		t.Fatalf("expected recipient balance 30, got %d", got)
	}
	err := m.Move(from, to, uint256.NewInt(21))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := mustBalance(t, m, from); got != 20 {
		t.Fatalf("failed move must not debit, got %d", got)
	}
	if err := m.Move(from, to, uint256.NewInt(0)); err != nil {
		t.Fatalf("zero move: %v", err)
	}
}

func TestStateVersion(t *testing.T) {
	m := newTestManager(t)
	if _, ok, err := m.StateVersion(); err != nil || ok {
		t.Fatalf("expected no version, ok=%v err=%v", ok, err)
	}
	if err := m.EnsureStateVersion(); err != nil {
		t.Fatalf("ensure version: %v", err)
	}
	version, ok, err := m.StateVersion()
	if err != nil || !ok || version != StateVersion {
		t.Fatalf("unexpected version %d ok=%v err=%v", version, ok, err)
	}
	if err := m.SetStateVersion(StateVersion + 1); err != nil {
		t.Fatalf("set version: %v", err)
	}
	if err := m.EnsureStateVersion(); !errors.Is(err, ErrStateVersionMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}

func TestEscrowSnapshotRoundTrip(t *testing.T) {
	m := newTestManager(t)
	if _, ok, err := m.EscrowGet(); err != nil || ok {
		t.Fatalf("expected empty store, ok=%v err=%v", ok, err)
	}
	snap := escrow.Snapshot{
		Parties: escrow.Parties{
			Sender:     testAccount(1),
			Receiver:   testAccount(2),
			Arbitrator: testAccount(3),
		},
		Amount: uint256.NewInt(42),
		State:  escrow.StateDispute,
	}
	if err := m.EscrowPut(snap); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := m.EscrowGet()
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Parties != snap.Parties || got.State != snap.State || !got.Amount.Eq(snap.Amount) {
		t.Fatalf("unexpected snapshot %+v", got)
	}

	bad := snap
	bad.Amount = uint256.NewInt(0)
	if err := m.EscrowPut(bad); !errors.Is(err, escrow.ErrInvalidSnapshot) {
		t.Fatalf("expected ErrInvalidSnapshot, got %v", err)
	}
}
