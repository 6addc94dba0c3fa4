package state

var (
	balancePrefix     = []byte("ledger/balance/")
	escrowSnapshotKey = []byte("escrow/snapshot")
	genesisAppliedKey = []byte("ledger/genesis-applied")
	stateVersionKey   = []byte("state/version")
)

func balanceKey(id [20]byte) []byte {
	buf := make([]byte, len(balancePrefix)+len(id))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], id[:])
	return buf
}
