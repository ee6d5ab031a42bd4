package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402pay/types"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	entry, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, store.Save(ctx, Entry{
		ChargeID: "ch_1",
		TxRef:    "5sig",
		Network:  types.NetworkSolanaDevnet,
		State:    StateSubmitted,
	}))

	entry, err = store.Get(ctx, "ch_1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "5sig", entry.Reference().Signature)
	assert.False(t, entry.UpdatedAt.IsZero())
	assert.False(t, entry.Confirmed())

	require.Error(t, store.Save(ctx, Entry{State: StateSubmitted}))
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "entries.json")

	store, err := NewFileStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, Entry{
		ChargeID: "ch_1",
		TxRef:    "5sig",
		Network:  types.NetworkSolanaDevnet,
		State:    StateConfirmed,
	}))

	_, err = os.Stat(path)
	require.NoError(t, err, "expected file on disk")

	reopened, err := NewFileStore(path)
	require.NoError(t, err)

	entry, err := reopened.Get(ctx, "ch_1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, StateConfirmed, entry.State)
	assert.Equal(t, types.NetworkSolanaDevnet, entry.Network)
	assert.True(t, entry.Confirmed())
}

func TestEntryStates(t *testing.T) {
	tests := []struct {
		state     State
		txRef     string
		confirmed bool
		settled   bool
		terminal  bool
	}{
		{StateSubmitted, "sig", false, false, false},
		{StateConfirmed, "sig", true, false, false},
		{StateUnlocked, "sig", true, true, true},
		{StateTimedOut, "sig", true, false, false},
		{StateFailed, "sig", true, false, true},
		{StateChainFailed, "sig", false, false, false},
		{StateCancelled, "", false, false, true},
		{StateCancelled, "sig", false, false, true},
		{StateConfirmed, "", false, false, false},
	}
	for _, tt := range tests {
		e := Entry{ChargeID: "ch", State: tt.state, TxRef: tt.txRef}
		assert.Equal(t, tt.confirmed, e.Confirmed(), "confirmed(%s)", tt.state)
		assert.Equal(t, tt.settled, e.Settled(), "settled(%s)", tt.state)
		assert.Equal(t, tt.terminal, e.Terminal(), "terminal(%s)", tt.state)
	}
}

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("JOURNAL_TEST_DSN")
	if dsn == "" {
		t.Skip("JOURNAL_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	chargeID := "test-" + time.Now().Format("150405.000000")
	entry := Entry{
		ChargeID:  chargeID,
		TxRef:     "5sig",
		Network:   types.NetworkSolanaDevnet,
		State:     StateSubmitted,
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Save(ctx, entry))

	entry.State = StateUnlocked
	require.NoError(t, store.Save(ctx, entry))

	got, err := store.Get(ctx, chargeID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StateUnlocked, got.State)
	assert.True(t, got.Settled())

	missing, err := store.Get(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
