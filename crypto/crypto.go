// Package crypto provides the signing and hashing primitives used by the consensus core.
package crypto

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/cometbft/cometbft/crypto/ed25519"
	"golang.org/x/crypto/blake2b"
)

const (
	// HashSize is the size of every digest produced by this package.
	HashSize = blake2b.Size256
	// PublicKeySize is the size of a validator public key.
	PublicKeySize = ed25519.PubKeySize
	// SignatureSize is the size of a unit signature.
	SignatureSize = ed25519.SignatureSize
)

// Hash computes the blake2b-256 digest of the concatenation of parts.
func Hash(parts ...[]byte) [HashSize]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails for keys longer than 64 bytes
		panic(err)
	}
	for _, p := range parts {
		h.Write(p)
	}
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashHex computes the digest and returns it hex encoded.
func HashHex(data []byte) string {
	h := Hash(data)
	return hex.EncodeToString(h[:])
}

// MerkleRoot computes the Merkle root of a list of digests.
// 빈 목록은 zero digest를 반환한다.
func MerkleRoot(hashes [][HashSize]byte) [HashSize]byte {
	if len(hashes) == 0 {
		return [HashSize]byte{}
	}
	if len(hashes) == 1 {
		return hashes[0]
	}

	level := make([][HashSize]byte, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		// If odd number, duplicate the last hash
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		next := make([][HashSize]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = Hash(level[i][:], level[i+1][:])
		}
		level = next
	}

	return level[0]
}

// Signer interface for signing operations.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() [PublicKeySize]byte
	Address() string
}

// Ed25519Signer implements Signer with a cometbft ed25519 private key.
type Ed25519Signer struct {
	priv    ed25519.PrivKey
	pub     [PublicKeySize]byte
	address string
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() *Ed25519Signer {
	return NewSigner(ed25519.GenPrivKey())
}

// SignerFromSecret derives a deterministic key from secret. Intended for tests and devnets.
func SignerFromSecret(secret []byte) *Ed25519Signer {
	return NewSigner(ed25519.GenPrivKeyFromSecret(secret))
}

// NewSigner wraps an existing private key.
func NewSigner(priv ed25519.PrivKey) *Ed25519Signer {
	s := &Ed25519Signer{priv: priv}
	copy(s.pub[:], priv.PubKey().Bytes())
	s.address = priv.PubKey().Address().String()
	return s
}

// Sign signs a message.
func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	sig, err := s.priv.Sign(message)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return sig, nil
}

// PublicKey returns the public key bytes.
func (s *Ed25519Signer) PublicKey() [PublicKeySize]byte {
	return s.pub
}

// Address returns the signer's address.
func (s *Ed25519Signer) Address() string {
	return s.address
}

// PrivateKeyHex returns the hex encoded private key, as written by the keygen command.
func (s *Ed25519Signer) PrivateKeyHex() string {
	return hex.EncodeToString(s.priv.Bytes())
}

// Verify reports whether sig is a valid signature of message by publicKey.
func Verify(publicKey [PublicKeySize]byte, message, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	return ed25519.PubKey(publicKey[:]).VerifySignature(message, sig)
}

// LoadSignerFile reads a hex encoded ed25519 private key from path.
func LoadSignerFile(path string) (*Ed25519Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("invalid key file %s: %w", path, err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key length: expected %d, got %d", ed25519.PrivateKeySize, len(keyBytes))
	}
	return NewSigner(ed25519.PrivKey(keyBytes)), nil
}

// WriteSignerFile stores the signer's private key hex encoded at path.
func WriteSignerFile(path string, s *Ed25519Signer) error {
	if err := os.WriteFile(path, []byte(s.PrivateKeyHex()+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write key file %s: %w", path, err)
	}
	return nil
}
