package sqlite_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/socialrecovery/internal/storage"
	"github.com/relves/socialrecovery/internal/storage/sqlite"
)

func openTestStore(t *testing.T, account string) *sqlite.AccountStore {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "sqlite-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := sqlite.OpenAccountStore(tmpDir, account)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAccountStore_OpenAndClose(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	store, err := sqlite.OpenAccountStore(tmpDir, "5Alice")
	require.NoError(t, err)
	require.NotNil(t, store)

	dbPath := filepath.Join(tmpDir, "accounts", "5Alice", "wallet.db")
	assert.Equal(t, dbPath, store.DBPath())
	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")

	assert.NoError(t, store.Close())
}

func TestAccountStore_OpenExisting(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	store1, err := sqlite.OpenAccountStore(tmpDir, "5Alice")
	require.NoError(t, err)
	require.NoError(t, store1.SetDraft(context.Background(), "5Alice", []byte(`{"threshold":1}`)))
	require.NoError(t, store1.Close())

	store2, err := sqlite.OpenAccountStore(tmpDir, "5Alice")
	require.NoError(t, err)
	defer store2.Close()

	draft, err := store2.GetDraft(context.Background(), "5Alice")
	require.NoError(t, err)
	assert.JSONEq(t, `{"threshold":1}`, string(draft))
}

func TestAccountStore_TreeState_Empty(t *testing.T) {
	store := openTestStore(t, "5Alice")

	size, root, err := store.GetTreeState(context.Background(), "5Alice")
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.Nil(t, root)
}

func TestAccountStore_AppendSubmission(t *testing.T) {
	store := openTestStore(t, "5Alice")
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		err := store.AppendSubmission(ctx, "5Alice", uint64(i), storage.Submission{
			CallCID:    "bafy" + string(rune('a'+i)),
			LeafHash:   []byte{byte(i)},
			Payload:    []byte(`{"i":` + string(rune('0'+i)) + `}`),
			RecordedAt: at.Add(time.Duration(i) * time.Minute),
		}, []byte{0xff, byte(i)})
		require.NoError(t, err)
	}

	size, root, err := store.GetTreeState(ctx, "5Alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), size)
	assert.Equal(t, []byte{0xff, 2}, root)

	subs, err := store.GetSubmissions(ctx, "5Alice", 1, 0)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, uint64(1), subs[0].Index)
	assert.Equal(t, "bafyb", subs[0].CallCID)
	assert.True(t, at.Add(time.Minute).Equal(subs[0].RecordedAt))

	subs, err = store.GetSubmissions(ctx, "5Alice", 0, 1)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "bafya", subs[0].CallCID)

	hashes, err := store.GetLeafHashes(ctx, "5Alice")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0}, {1}, {2}}, hashes)

	record, err := store.GetAccountRecord(ctx, "5Alice")
	require.NoError(t, err)
	assert.Equal(t, "5Alice", record.Account)
}

func TestAccountStore_AppendSubmission_HeadMismatch(t *testing.T) {
	store := openTestStore(t, "5Alice")
	ctx := context.Background()

	sub := storage.Submission{CallCID: "bafya", LeafHash: []byte{1}, Payload: []byte(`{}`)}
	require.NoError(t, store.AppendSubmission(ctx, "5Alice", 0, sub, []byte{1}))

	err := store.AppendSubmission(ctx, "5Alice", 0, sub, []byte{2})
	assert.ErrorIs(t, err, storage.ErrHeadMismatch)

	size, root, err := store.GetTreeState(ctx, "5Alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), size)
	assert.Equal(t, []byte{1}, root)
}

func TestAccountStore_Drafts(t *testing.T) {
	store := openTestStore(t, "5Alice")
	ctx := context.Background()

	draft, err := store.GetDraft(ctx, "5Alice")
	require.NoError(t, err)
	assert.Nil(t, draft)

	require.NoError(t, store.SetDraft(ctx, "5Alice", []byte(`{"a":1}`)))
	require.NoError(t, store.SetDraft(ctx, "5Alice", []byte(`{"a":2}`)))
	draft, err = store.GetDraft(ctx, "5Alice")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(draft))

	require.NoError(t, store.DeleteDraft(ctx, "5Alice"))
	require.NoError(t, store.DeleteDraft(ctx, "5Alice"))
	draft, err = store.GetDraft(ctx, "5Alice")
	require.NoError(t, err)
	assert.Nil(t, draft)
}

func TestAccountStore_GetAccountRecord_NotFound(t *testing.T) {
	store := openTestStore(t, "5Alice")
	_, err := store.GetAccountRecord(context.Background(), "5Alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
