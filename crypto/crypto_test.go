package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	s := SignerFromSecret([]byte("validator-1"))
	msg := []byte("unit body")

	sig, err := s.Sign(msg)
	require.NoError(t, err)
	assert.Len(t, sig, SignatureSize)

	assert.True(t, Verify(s.PublicKey(), msg, sig))
	assert.False(t, Verify(s.PublicKey(), []byte("other body"), sig))

	other := SignerFromSecret([]byte("validator-2"))
	assert.False(t, Verify(other.PublicKey(), msg, sig))
	assert.False(t, Verify(s.PublicKey(), msg, sig[:10]))
}

func TestSignerFromSecretIsDeterministic(t *testing.T) {
	a := SignerFromSecret([]byte("seed"))
	b := SignerFromSecret([]byte("seed"))
	assert.Equal(t, a.PublicKey(), b.PublicKey())
	assert.Equal(t, a.Address(), b.Address())
}

func TestHash(t *testing.T) {
	t.Run("parts concatenate", func(t *testing.T) {
		assert.Equal(t, Hash([]byte("ab"), []byte("c")), Hash([]byte("abc")))
	})

	t.Run("hex length", func(t *testing.T) {
		assert.Len(t, HashHex([]byte("x")), HashSize*2)
	})
}

func TestMerkleRoot(t *testing.T) {
	assert.Equal(t, [HashSize]byte{}, MerkleRoot(nil))

	a, b, c := Hash([]byte("a")), Hash([]byte("b")), Hash([]byte("c"))
	assert.Equal(t, a, MerkleRoot([][HashSize]byte{a}))
	assert.Equal(t, Hash(a[:], b[:]), MerkleRoot([][HashSize]byte{a, b}))

	ab := Hash(a[:], b[:])
	cc := Hash(c[:], c[:])
	assert.Equal(t, Hash(ab[:], cc[:]), MerkleRoot([][HashSize]byte{a, b, c}))
}

func TestSignerFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	s := GenerateSigner()
	require.NoError(t, WriteSignerFile(path, s))

	loaded, err := LoadSignerFile(path)
	require.NoError(t, err)
	assert.Equal(t, s.PublicKey(), loaded.PublicKey())

	_, err = LoadSignerFile(filepath.Join(t.TempDir(), "missing.key"))
	assert.Error(t, err)
}
