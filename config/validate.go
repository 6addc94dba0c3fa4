package config

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"escrowchain/core/state"
	"escrowchain/crypto"
	"escrowchain/native/escrow"
	"escrowchain/storage"
)

// Validate checks that parties decode into a valid escrow party set, genesis
// balances parse and the gateway limits are usable.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if _, err := cfg.EscrowParties(); err != nil {
		return err
	}
	if _, err := cfg.GenesisAllocations(); err != nil {
		return err
	}
	switch cfg.StorageBackend {
	case storage.BackendLevelDB, storage.BackendBolt, storage.BackendMemory:
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.StorageBackend)
	}
	if cfg.Auth.TimestampSkewSeconds < 0 {
		return fmt.Errorf("auth: TimestampSkewSeconds < 0")
	}
	if cfg.Auth.ReadTokenSecret == "" && (cfg.Auth.ReadTokenIssuer != "" || cfg.Auth.ReadTokenAudience != "") {
		return fmt.Errorf("auth: ReadTokenIssuer/ReadTokenAudience require ReadTokenSecret")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("ratelimit: RequestsPerMinute < 0")
	}
	if cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("ratelimit: Burst < 0")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio outside [0,1]")
	}
	return nil
}

// EscrowParties decodes the configured bech32 addresses.
func (cfg *Config) EscrowParties() (escrow.Parties, error) {
	decode := func(field, value string) (escrow.Identity, error) {
		id, err := crypto.DecodeEscrowAddress(strings.TrimSpace(value))
		if err != nil {
			return escrow.Identity{}, fmt.Errorf("parties: %s: %w", field, err)
		}
		return id, nil
	}
	sender, err := decode("Sender", cfg.Parties.Sender)
	if err != nil {
		return escrow.Parties{}, err
	}
	receiver, err := decode("Receiver", cfg.Parties.Receiver)
	if err != nil {
		return escrow.Parties{}, err
	}
	arbitrator, err := decode("Arbitrator", cfg.Parties.Arbitrator)
	if err != nil {
		return escrow.Parties{}, err
	}
	parties := escrow.Parties{Sender: sender, Receiver: receiver, Arbitrator: arbitrator}
	if err := parties.Validate(); err != nil {
		return escrow.Parties{}, fmt.Errorf("parties: %w", err)
	}
	return parties, nil
}

// GenesisAllocations converts the configured genesis accounts into ledger
// allocations.
func (cfg *Config) GenesisAllocations() ([]state.Allocation, error) {
	out := make([]state.Allocation, 0, len(cfg.Genesis))
	for i, acct := range cfg.Genesis {
		id, err := crypto.DecodeEscrowAddress(strings.TrimSpace(acct.Address))
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: %w", i, err)
		}
		balance, err := uint256.FromDecimal(strings.TrimSpace(acct.Balance))
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: balance %q: %w", i, acct.Balance, err)
		}
		out = append(out, state.Allocation{Account: id, Balance: balance})
	}
	return out, nil
}
