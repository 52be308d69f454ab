package sqlite_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/socialrecovery/internal/storage"
	"github.com/relves/socialrecovery/internal/storage/sqlite"
)

func TestAccountStore_GetHead(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-adapter-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	store, err := sqlite.OpenAccountStore(tmpDir, "5Alice")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	callCID, size, err := store.GetHead(ctx, "5Alice")
	require.NoError(t, err)
	assert.Empty(t, callCID)
	assert.Zero(t, size)

	require.NoError(t, store.AppendSubmission(ctx, "5Alice", 0, storage.Submission{
		CallCID: "bafyfirst", LeafHash: []byte{1}, Payload: []byte(`{}`),
	}, []byte("root-1")))
	require.NoError(t, store.AppendSubmission(ctx, "5Alice", 1, storage.Submission{
		CallCID: "bafysecond", LeafHash: []byte{2}, Payload: []byte(`{}`),
	}, []byte("root-2")))

	callCID, size, err = store.GetHead(ctx, "5Alice")
	require.NoError(t, err)
	assert.Equal(t, "bafysecond", callCID)
	assert.Equal(t, uint64(2), size)
}
