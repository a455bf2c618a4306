// Package address implements the self-describing address and public key
// layouts used across the ledger. An address is the pair of a curve id and a
// hash algorithm id followed by the digest whose length is derived from the
// algorithm id. Callers never carry lengths around, they peek the two byte
// header instead.
package address

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

// Set of elliptic curve ids supported by the ledger.
const (
	CurveED25519   byte = 0
	CurveP256      byte = 1
	CurveSecp256k1 byte = 2
)

// Set of hash algorithm ids supported by the ledger.
const (
	HashSHA256    byte = 0
	HashSHA512    byte = 1
	HashSHA3_256  byte = 2
	HashSHA3_512  byte = 3
	HashBlake2b   byte = 4
)

// Set of errors returned by the parsing API.
var (
	ErrInvalidCurveID = errors.New("invalid curve id")
	ErrInvalidHashID  = errors.New("invalid hash algorithm id")
	ErrTruncated      = errors.New("truncated input")
)

// hashSizes maps a hash algorithm id to the digest size in bytes.
var hashSizes = map[byte]int{
	HashSHA256:   32,
	HashSHA512:   64,
	HashSHA3_256: 32,
	HashSHA3_512: 64,
	HashBlake2b:  64,
}

// keySizes maps a curve id to the public key size in bytes.
var keySizes = map[byte]int{
	CurveED25519:   32,
	CurveP256:      65,
	CurveSecp256k1: 65,
}

// HashSize returns the digest size for the specified hash algorithm id.
func HashSize(hashAlgoID byte) (int, error) {
	size, exists := hashSizes[hashAlgoID]
	if !exists {
		return 0, fmt.Errorf("%w: %d", ErrInvalidHashID, hashAlgoID)
	}
	return size, nil
}

// KeySize returns the public key size for the specified curve id.
func KeySize(curveID byte) (int, error) {
	size, exists := keySizes[curveID]
	if !exists {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCurveID, curveID)
	}
	return size, nil
}

// =============================================================================

// Address represents a chain address: <curve_id><hash_algo_id><digest>.
type Address []byte

// New constructs an address from its parts.
func New(curveID byte, hashAlgoID byte, digest []byte) Address {
	addr := make(Address, 0, 2+len(digest))
	addr = append(addr, curveID, hashAlgoID)
	addr = append(addr, digest...)
	return addr
}

// Validate checks the address header and the digest length.
func (a Address) Validate() error {
	if len(a) < 2 {
		return ErrTruncated
	}
	if _, exists := keySizes[a[0]]; !exists {
		return fmt.Errorf("%w: %d", ErrInvalidCurveID, a[0])
	}
	size, exists := hashSizes[a[1]]
	if !exists {
		return fmt.Errorf("%w: %d", ErrInvalidHashID, a[1])
	}
	if len(a) != 2+size {
		return fmt.Errorf("address length %d, expected %d", len(a), 2+size)
	}
	return nil
}

// CurveID returns the curve id of the address.
func (a Address) CurveID() byte {
	return a[0]
}

// HashAlgoID returns the hash algorithm id of the address.
func (a Address) HashAlgoID() byte {
	return a[1]
}

// Digest returns the digest bytes of the address.
func (a Address) Digest() []byte {
	return a[2:]
}

// Subset returns the partitioning byte of the address, which is the first
// byte of the digest. Indices are sharded across 256 subsets with it.
func (a Address) Subset() byte {
	return a[2]
}

// Equal reports whether two addresses are the same byte string.
func (a Address) Equal(b Address) bool {
	return bytes.Equal(a, b)
}

// String renders the address in upper case hex for file names and logs.
func (a Address) String() string {
	return fmt.Sprintf("%X", []byte(a))
}

// FromString parses an upper or lower case hex rendering of an address.
func FromString(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding address hex: %w", err)
	}
	addr := Address(b)
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	return addr, nil
}

// Read consumes one self-describing address from the front of data and
// returns it along with the remaining bytes.
func Read(data []byte) (Address, []byte, error) {
	if len(data) < 2 {
		return nil, nil, ErrTruncated
	}
	size, err := HashSize(data[1])
	if err != nil {
		return nil, nil, err
	}
	total := 2 + size
	if len(data) < total {
		return nil, nil, ErrTruncated
	}
	addr := make(Address, total)
	copy(addr, data[:total])
	return addr, data[total:], nil
}

// =============================================================================

// PublicKey represents a node or chain public key:
// <curve_id><origin_id><key bytes>.
type PublicKey []byte

// NewPublicKey constructs a public key from its parts.
func NewPublicKey(curveID byte, originID byte, key []byte) PublicKey {
	pk := make(PublicKey, 0, 2+len(key))
	pk = append(pk, curveID, originID)
	pk = append(pk, key...)
	return pk
}

// Validate checks the key header and the key length.
func (p PublicKey) Validate() error {
	if len(p) < 2 {
		return ErrTruncated
	}
	size, exists := keySizes[p[0]]
	if !exists {
		return fmt.Errorf("%w: %d", ErrInvalidCurveID, p[0])
	}
	if len(p) != 2+size {
		return fmt.Errorf("public key length %d, expected %d", len(p), 2+size)
	}
	return nil
}

// CurveID returns the curve id of the public key.
func (p PublicKey) CurveID() byte {
	return p[0]
}

// OriginID returns the origin device id of the public key.
func (p PublicKey) OriginID() byte {
	return p[1]
}

// KeyBytes returns the raw key material.
func (p PublicKey) KeyBytes() []byte {
	return p[2:]
}

// Equal reports whether two public keys are the same byte string.
func (p PublicKey) Equal(q PublicKey) bool {
	return bytes.Equal(p, q)
}

// String renders the public key in upper case hex.
func (p PublicKey) String() string {
	return fmt.Sprintf("%X", []byte(p))
}

// PublicKeyFromString parses a hex rendering of a public key.
func PublicKeyFromString(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding public key hex: %w", err)
	}
	pk := PublicKey(b)
	if err := pk.Validate(); err != nil {
		return nil, err
	}
	return pk, nil
}

// ReadPublicKey consumes one self-describing public key from the front of
// data and returns it along with the remaining bytes.
func ReadPublicKey(data []byte) (PublicKey, []byte, error) {
	if len(data) < 2 {
		return nil, nil, ErrTruncated
	}
	size, err := KeySize(data[0])
	if err != nil {
		return nil, nil, err
	}
	total := 2 + size
	if len(data) < total {
		return nil, nil, ErrTruncated
	}
	pk := make(PublicKey, total)
	copy(pk, data[:total])
	return pk, data[total:], nil
}
