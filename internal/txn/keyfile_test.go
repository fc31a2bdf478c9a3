package txn

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeypairFileRoundTrip(t *testing.T) {
	t.Parallel()
	k, err := GenerateKeypair()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "crank.json")
	require.NoError(t, SaveKeypair(path, k))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := LoadKeypair(path)
	require.NoError(t, err)
	assert.Equal(t, k.Address(), got.Address())
}

func TestParseKeypairForms(t *testing.T) {
	t.Parallel()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	want, err := NewKeypairSigner(priv)
	require.NoError(t, err)

	fromB58, err := ParseKeypair([]byte(base58.Encode(priv) + "\n"))
	require.NoError(t, err)
	assert.Equal(t, want.Address(), fromB58.Address())

	fromSeed, err := ParseKeypair([]byte("[0,1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16,17,18,19,20,21,22,23,24,25,26,27,28,29,30,31]"))
	require.NoError(t, err)
	assert.Equal(t, want.Address(), fromSeed.Address())

	for _, bad := range []string{"[1,2,3]", "[256]", "not base58 0OIl", "[1,"} {
		_, err := ParseKeypair([]byte(bad))
		assert.Error(t, err, bad)
	}

	_, err = LoadKeypair(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
