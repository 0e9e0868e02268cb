package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()

	require.NoError(t, db.Put([]byte("req/b"), []byte("2")))
	require.NoError(t, db.Put([]byte("req/a"), []byte("1")))
	require.NoError(t, db.Put([]byte("other/c"), []byte("3")))

	value, err := db.Get([]byte("req/a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), value)

	_, err = db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	var keys []string
	require.NoError(t, db.Iterate([]byte("req/"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	require.Equal(t, []string{"req/a", "req/b"}, keys)

	stop := errors.New("stop")
	err = db.Iterate([]byte("req/"), func([]byte, []byte) error { return stop })
	require.ErrorIs(t, err, stop)

	require.NoError(t, db.Delete([]byte("req/a")))
	_, err = db.Get([]byte("req/a"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, db.Delete([]byte("req/a")))
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	defer db.Close()
	exerciseDatabase(t, db)
}
