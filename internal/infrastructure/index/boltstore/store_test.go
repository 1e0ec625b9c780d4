package boltstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePutDeleteForEach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "index.db")
	store, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, store.Put("vectors", "b", []byte("2")))
	require.NoError(t, store.Put("vectors", "a", []byte("1")))
	require.NoError(t, store.Put("vectors", "c", []byte("3")))
	require.NoError(t, store.Delete("vectors", "c"))
	require.NoError(t, store.Delete("missing", "x"))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	var keys, values []string
	require.NoError(t, reopened.ForEach("vectors", func(k, v []byte) error {
		keys = append(keys, string(k))
		values = append(values, string(v))
		return nil
	}))
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.Equal(t, []string{"1", "2"}, values)

	require.NoError(t, reopened.ForEach("empty", func(k, v []byte) error {
		t.Fatalf("unexpected record %s", k)
		return nil
	}))
}
