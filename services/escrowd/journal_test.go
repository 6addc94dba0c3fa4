package escrowd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"escrowchain/core/events"
	"escrowchain/native/escrow"
)

type plainEvent struct{}

func (plainEvent) EventType() string { return "escrow.custom" }

func TestJournalAppendAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	journal, err := OpenJournal(path, nil)
	require.NoError(t, err)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	journal.nowFn = func() time.Time { return fixed }

	ctx := context.Background()
	first, err := journal.Append(ctx, escrow.FundsDeposited{Amount: uint256.NewInt(12)})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	journal.Emit(plainEvent{})
	journal.Emit(nil)

	entries, err := journal.List(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, escrow.EventTypeFundsDeposited, entries[0].Type)
	require.Equal(t, "12", entries[0].Attributes["amount"])
	require.True(t, fixed.Equal(entries[0].CreatedAt))
	require.Equal(t, "escrow.custom", entries[1].Type)
	require.Empty(t, entries[1].Attributes)
	require.Greater(t, entries[1].Sequence, entries[0].Sequence)
	require.NotEqual(t, entries[0].ID, entries[1].ID)

	require.NoError(t, journal.Close())

	reopened, err := OpenJournal(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	entries, err = reopened.List(ctx, first.Sequence, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestJournalImplementsEmitter(t *testing.T) {
	var _ events.Emitter = (*Journal)(nil)
}

func TestJournalDigestChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	journal, err := OpenJournal(path, nil)
	require.NoError(t, err)

	ctx := context.Background()
	checked, err := journal.Verify(ctx)
	require.NoError(t, err)
	require.Zero(t, checked)

	first, err := journal.Append(ctx, escrow.FundsDeposited{Amount: uint256.NewInt(3)})
	require.NoError(t, err)
	second, err := journal.Append(ctx, plainEvent{})
	require.NoError(t, err)
	require.Len(t, first.Digest, 64)
	require.NotEqual(t, first.Digest, second.Digest)
	require.NoError(t, journal.Close())

	// The chain continues from the persisted head after a reopen.
	journal, err = OpenJournal(path, nil)
	require.NoError(t, err)
	defer journal.Close()
	_, err = journal.Append(ctx, plainEvent{})
	require.NoError(t, err)
	checked, err = journal.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, checked)

	_, err = journal.db.Exec(`UPDATE escrow_events SET attributes = ? WHERE sequence = ?`, `{"amount":"300"}`, first.Sequence)
	require.NoError(t, err)
	checked, err = journal.Verify(ctx)
	require.ErrorIs(t, err, ErrJournalTampered)
	require.Zero(t, checked)
}

func TestJournalNotifiesInOrder(t *testing.T) {
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	defer journal.Close()

	var seen []int64
	journal.OnAppend(func(entry JournalEntry) { seen = append(seen, entry.Sequence) })
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := journal.Append(ctx, plainEvent{})
		require.NoError(t, err)
	}
	require.Equal(t, []int64{1, 2, 3}, seen)
}
