// Package types defines core data structures shared by the consensus core.
package types

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ahwlsqja/highway-casper/crypto"
)

// HashSize is the size of a content hash.
const HashSize = crypto.HashSize

// Hash is a blake2b-256 content hash.
type Hash [HashSize]byte

// ZeroHash is the empty hash, used for "no parent" and "no vote".
var ZeroHash Hash

// HashOf hashes the concatenation of parts.
func HashOf(parts ...[]byte) Hash {
	return Hash(crypto.Hash(parts...))
}

// BytesToHash converts a byte slice into a Hash.
func BytesToHash(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length: expected %d, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashFromHex parses a hex encoded hash.
func HashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroHash, fmt.Errorf("invalid hash hex: %w", err)
	}
	return BytesToHash(b)
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// String returns the hex-encoded hash string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// Less orders hashes bytewise.
func (h Hash) Less(o Hash) bool {
	for i := range h {
		if h[i] != o[i] {
			return h[i] < o[i]
		}
	}
	return false
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Timestamp is a point in time in milliseconds since the Unix epoch.
type Timestamp uint64

// Now returns the current wall-clock time.
func Now() Timestamp {
	return FromTime(time.Now())
}

// FromTime converts a time.Time.
func FromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// Time converts back to time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

// Add returns t shifted by d. Negative results clamp at zero.
func (t Timestamp) Add(d time.Duration) Timestamp {
	ms := int64(t) + d.Milliseconds()
	if ms < 0 {
		return 0
	}
	return Timestamp(ms)
}

// Sub returns the duration t-o.
func (t Timestamp) Sub(o Timestamp) time.Duration {
	return time.Duration(int64(t)-int64(o)) * time.Millisecond
}

func (t Timestamp) String() string {
	return t.Time().UTC().Format(time.RFC3339Nano)
}

// EraID identifies an era. Genesis is era 0.
type EraID uint64

// Successor returns the next era id.
func (e EraID) Successor() EraID {
	return e + 1
}
