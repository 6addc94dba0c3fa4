package state

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"escrowchain/storage"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the account balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrGenesisApplied is returned when genesis allocations were already
	// written to the database.
	ErrGenesisApplied = errors.New("ledger: genesis already applied")
)

// Manager keeps account balances and the escrow snapshot in a key-value
// database. Balances are RLP-encoded big integers.
type Manager struct {
	mu sync.Mutex
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Allocation credits an initial balance to an account.
type Allocation struct {
	Account [20]byte
	Balance *uint256.Int
}

// KVPut stores an arbitrary RLP-encodable value.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key was present.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Balance retrieves the balance of the provided account.
func (m *Manager) Balance(id [20]byte) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance(id)
}

func (m *Manager) balance(id [20]byte) (*uint256.Int, error) {
	amount := new(big.Int)
	ok, err := m.KVGet(balanceKey(id), amount)
	if err != nil {
		return nil, fmt.Errorf("ledger: load balance: %w", err)
	}
	if !ok {
		return uint256.NewInt(0), nil
	}
	out, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, fmt.Errorf("ledger: stored balance overflows 256 bits")
	}
	return out, nil
}

func encodeBalance(amount *uint256.Int) ([]byte, error) {
	return rlp.EncodeToBytes(amount.ToBig())
}

// Move debits from and credits to atomically.
func (m *Manager) Move(from, to [20]byte, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var batch storage.Batch
	if err := m.stageMove(&batch, from, to, amount); err != nil {
		return err
	}
	return m.writeBatch(batch)
}

// stageMove adds the balance updates of a move to batch. Callers must hold mu.
func (m *Manager) stageMove(batch *storage.Batch, from, to [20]byte, amount *uint256.Int) error {
	if from == to {
		return nil
	}
	fromBal, err := m.balance(from)
	if err != nil {
		return err
	}
	if fromBal.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, fromBal.Dec(), amount.Dec())
	}
	toBal, err := m.balance(to)
	if err != nil {
		return err
	}
	nextTo, overflow := new(uint256.Int).AddOverflow(toBal, amount)
	if overflow {
		return fmt.Errorf("ledger: credit overflows 256 bits")
	}
	nextFrom := new(uint256.Int).Sub(fromBal, amount)

	fromEnc, err := encodeBalance(nextFrom)
	if err != nil {
		return err
	}
	toEnc, err := encodeBalance(nextTo)
	if err != nil {
		return err
	}
	batch.Put(balanceKey(from), fromEnc)
	batch.Put(balanceKey(to), toEnc)
	return nil
}

func (m *Manager) writeBatch(batch storage.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	if err := m.db.Write(batch); err != nil {
		return fmt.Errorf("ledger: write batch: %w", err)
	}
	return nil
}

// ApplyGenesis credits the initial allocations exactly once per database.
func (m *Manager) ApplyGenesis(allocs []Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var applied bool
	ok, err := m.KVGet(genesisAppliedKey, &applied)
	if err != nil {
		return err
	}
	if ok && applied {
		return ErrGenesisApplied
	}
	totals := make(map[[20]byte]*uint256.Int)
	order := make([][20]byte, 0, len(allocs))
	for _, alloc := range allocs {
		if alloc.Balance == nil || alloc.Balance.IsZero() {
			continue
		}
		current, seen := totals[alloc.Account]
		if !seen {
			existing, err := m.balance(alloc.Account)
			if err != nil {
				return err
			}
			current = existing
			order = append(order, alloc.Account)
		}
		next, overflow := new(uint256.Int).AddOverflow(current, alloc.Balance)
		if overflow {
			return fmt.Errorf("ledger: genesis balance overflows 256 bits")
		}
		totals[alloc.Account] = next
	}
	var batch storage.Batch
	for _, account := range order {
		enc, err := encodeBalance(totals[account])
		if err != nil {
			return err
		}
		batch.Put(balanceKey(account), enc)
	}
	marker, err := rlp.EncodeToBytes(true)
	if err != nil {
		return err
	}
	batch.Put(genesisAppliedKey, marker)
	return m.db.Write(batch)
}
