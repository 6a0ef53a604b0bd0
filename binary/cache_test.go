package binary

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashKnownContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0755))

	c, err := NewCache(16)
	require.NoError(t, err)

	// sha256("hello")
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

	sum, err := c.Hash(path)
	require.NoError(t, err)
	assert.Equal(t, want, sum)

	// second lookup hits the cache
	sum, err = c.Hash(path)
	require.NoError(t, err)
	assert.Equal(t, want, sum)
}

func TestHashMissingFile(t *testing.T) {
	c, err := NewCache(16)
	require.NoError(t, err)
	_, err = c.Hash(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
