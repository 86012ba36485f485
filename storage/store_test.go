package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/fusionledger/storage"
	"github.com/c360studio/fusionledger/testutil"
)

// storeContract exercises the Store contract against any backend.
func storeContract(t *testing.T, s storage.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key returns ErrNotFound", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("read after write", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, storage.KeyLedger, []byte(`{"a":1}`)))
		got, err := s.Get(ctx, storage.KeyLedger)
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(got))
	})

	t.Run("overwrite replaces value", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, storage.KeyBroadcastLog, []byte(`[1]`)))
		require.NoError(t, s.Set(ctx, storage.KeyBroadcastLog, []byte(`[1,2]`)))
		got, err := s.Get(ctx, storage.KeyBroadcastLog)
		require.NoError(t, err)
		assert.Equal(t, `[1,2]`, string(got))
	})
}

func TestMemoryStore(t *testing.T) {
	s := storage.NewMemoryStore()
	storeContract(t, s)
	assert.Equal(t, []string{storage.KeyBroadcastLog, storage.KeyLedger}, s.Keys())
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()

	value := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", value))
	value[0] = 'x'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := storage.NewMemoryStore()
	assert.ErrorIs(t, s.Set(ctx, "k", nil), context.Canceled)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	s, err := storage.NewFileStore(dir)
	require.NoError(t, err)
	storeContract(t, s)

	_, err = os.Stat(filepath.Join(dir, storage.KeyLedger+".json"))
	assert.NoError(t, err)
}

func TestFileStore_RejectsBadKeys(t *testing.T) {
	s, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "../escape", "a/b", ".hidden"} {
		assert.Error(t, s.Set(context.Background(), key, []byte("x")), "key %q", key)
	}
}

func TestFileStore_RequiresDir(t *testing.T) {
	_, err := storage.NewFileStore("  ")
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	s, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	storeContract(t, s)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := storage.OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, storage.KeyLedger, []byte("v1")))
	require.NoError(t, s.Close())

	reopened, err := storage.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.Get(ctx, storage.KeyLedger)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
}

func TestKVStore(t *testing.T) {
	srv := testutil.StartNATS(t)
	ctx := context.Background()

	s, err := storage.NewKVStore(ctx, srv.JetStream, "TEST_LEDGER")
	require.NoError(t, err)
	storeContract(t, s)

	rev, err := s.Revision(ctx, storage.KeyBroadcastLog)
	require.NoError(t, err)
	// Revisions are bucket-wide sequence numbers: ledger=1, broadcastLog=2 then 3.
	assert.Equal(t, uint64(3), rev)

	missing, err := s.Revision(ctx, "never-written")
	require.NoError(t, err)
	assert.Zero(t, missing)
}

func TestKVStore_ReopensExistingBucket(t *testing.T) {
	srv := testutil.StartNATS(t)
	ctx := context.Background()

	first, err := storage.NewKVStore(ctx, srv.JetStream, "")
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, storage.KeyLedger, []byte("kept")))

	second, err := storage.NewKVStore(ctx, srv.JetStream, storage.DefaultBucket)
	require.NoError(t, err)
	got, err := second.Get(ctx, storage.KeyLedger)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(got))
}

func TestPersistenceError(t *testing.T) {
	err := storage.NewPersistenceError("write", "ledger", testutil.ErrInjected)
	assert.True(t, storage.IsPersistence(err))
	assert.ErrorIs(t, err, testutil.ErrInjected)
	assert.Contains(t, err.Error(), `write "ledger"`)
	assert.False(t, storage.IsPersistence(storage.ErrNotFound))
}
