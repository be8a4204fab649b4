package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDBPutGet(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	_, err := db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	value := []byte("original")
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 'X'

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("original"), got)

	got[0] = 'Y'
	again, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("original"), again)
}

func TestMemDBBatchWrite(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	batch := db.NewBatch()
	batch.Put([]byte("a"), []byte("1"))
	batch.Put([]byte("b"), []byte("2"))
	require.Equal(t, 2, batch.Len())

	// Nothing visible before the batch commits.
	_, err := db.Get([]byte("a"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, db.Write(batch))

	a, err := db.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), a)
	b, err := db.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), b)
}

func TestMemDBRejectsForeignBatch(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	ldb := &LevelDB{}
	require.Error(t, db.Write(ldb.NewBatch()))
}

func TestLevelDBRoundTrip(t *testing.T) {
	dir := t.TempDir()

	db, err := NewLevelDB(dir)
	require.NoError(t, err)

	require.NoError(t, db.Put([]byte("k"), []byte("v")))

	batch := db.NewBatch()
	batch.Put([]byte("x"), []byte("1"))
	batch.Put([]byte("y"), []byte("2"))
	require.NoError(t, db.Write(batch))

	db.Close()

	reopened, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	x, err := reopened.Get([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), x)

	_, err = reopened.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}
