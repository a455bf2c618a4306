// Package crypto provides the hashing, signing and key derivation helpers the
// mining workflow and the chain storage depend on. The ledger supports three
// curves and five hash algorithms, identified by the one byte ids embedded in
// every address and public key.
package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"math/big"

	"github.com/archethic/node/foundation/chain/address"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// ErrUnsupportedCurve is returned when signing or verifying with a curve the
// node has no implementation for.
var ErrUnsupportedCurve = errors.New("unsupported curve")

// Hash digests data with the specified hash algorithm id.
func Hash(hashAlgoID byte, data []byte) ([]byte, error) {
	switch hashAlgoID {
	case address.HashSHA256:
		h := sha256.Sum256(data)
		return h[:], nil

	case address.HashSHA512:
		h := sha512.Sum512(data)
		return h[:], nil

	case address.HashSHA3_256:
		h := sha3.Sum256(data)
		return h[:], nil

	case address.HashSHA3_512:
		h := sha3.Sum512(data)
		return h[:], nil

	case address.HashBlake2b:
		h := blake2b.Sum512(data)
		return h[:], nil
	}

	return nil, fmt.Errorf("%w: %d", address.ErrInvalidHashID, hashAlgoID)
}

// AddressFromPublicKey derives the chain address of a public key: the header
// carries the curve and hash ids, the tail is the digest of the full key.
func AddressFromPublicKey(pk address.PublicKey, hashAlgoID byte) (address.Address, error) {
	if err := pk.Validate(); err != nil {
		return nil, err
	}

	digest, err := Hash(hashAlgoID, pk)
	if err != nil {
		return nil, err
	}

	return address.New(pk.CurveID(), hashAlgoID, digest), nil
}

// =============================================================================

// KeyPair carries a private key with its self-describing public key.
type KeyPair struct {
	PublicKey  address.PublicKey
	PrivateKey []byte
}

// GenerateKeyPair produces a fresh key pair on the specified curve. The
// originID tags which class of device minted the key.
func GenerateKeyPair(curveID byte, originID byte) (KeyPair, error) {
	switch curveID {
	case address.CurveED25519:
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return KeyPair{}, err
		}
		return KeyPair{
			PublicKey:  address.NewPublicKey(curveID, originID, pub),
			PrivateKey: priv,
		}, nil

	case address.CurveP256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return KeyPair{}, err
		}
		pub := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
		return KeyPair{
			PublicKey:  address.NewPublicKey(curveID, originID, pub),
			PrivateKey: priv.D.FillBytes(make([]byte, 32)),
		}, nil

	case address.CurveSecp256k1:
		priv, err := ethcrypto.GenerateKey()
		if err != nil {
			return KeyPair{}, err
		}
		pub := ethcrypto.FromECDSAPub(&priv.PublicKey)
		return KeyPair{
			PublicKey:  address.NewPublicKey(curveID, originID, pub),
			PrivateKey: ethcrypto.FromECDSA(priv),
		}, nil
	}

	return KeyPair{}, fmt.Errorf("%w: %d", ErrUnsupportedCurve, curveID)
}

// DeriveKeyPair deterministically derives a key pair from a seed and an
// index. Chains use this to mint the next transaction key from the previous.
func DeriveKeyPair(seed []byte, index uint32, curveID byte, originID byte) (KeyPair, error) {
	material := sha512.Sum512(append(seed, byte(index>>24), byte(index>>16), byte(index>>8), byte(index)))

	switch curveID {
	case address.CurveED25519:
		priv := ed25519.NewKeyFromSeed(material[:ed25519.SeedSize])
		pub := priv.Public().(ed25519.PublicKey)
		return KeyPair{
			PublicKey:  address.NewPublicKey(curveID, originID, pub),
			PrivateKey: priv,
		}, nil

	case address.CurveP256:
		scalar := p256Scalar(material[:32])
		x, y := elliptic.P256().ScalarBaseMult(scalar.FillBytes(make([]byte, 32)))
		pub := elliptic.Marshal(elliptic.P256(), x, y)
		return KeyPair{
			PublicKey:  address.NewPublicKey(curveID, originID, pub),
			PrivateKey: scalar.FillBytes(make([]byte, 32)),
		}, nil

	case address.CurveSecp256k1:
		priv, err := ethcrypto.ToECDSA(material[:32])
		if err != nil {
			return KeyPair{}, err
		}
		pub := ethcrypto.FromECDSAPub(&priv.PublicKey)
		return KeyPair{
			PublicKey:  address.NewPublicKey(curveID, originID, pub),
			PrivateKey: ethcrypto.FromECDSA(priv),
		}, nil
	}

	return KeyPair{}, fmt.Errorf("%w: %d", ErrUnsupportedCurve, curveID)
}

// Sign produces a signature of data with the private key of the pair.
func Sign(kp KeyPair, data []byte) ([]byte, error) {
	switch kp.PublicKey.CurveID() {
	case address.CurveED25519:
		return ed25519.Sign(ed25519.PrivateKey(kp.PrivateKey), data), nil

	case address.CurveP256:
		priv, err := p256PrivateKey(kp.PrivateKey)
		if err != nil {
			return nil, err
		}
		digest := sha256.Sum256(data)
		return ecdsa.SignASN1(rand.Reader, priv, digest[:])

	case address.CurveSecp256k1:
		priv, err := ethcrypto.ToECDSA(kp.PrivateKey)
		if err != nil {
			return nil, err
		}
		digest := ethcrypto.Keccak256(data)
		return ethcrypto.Sign(digest, priv)
	}

	return nil, fmt.Errorf("%w: %d", ErrUnsupportedCurve, kp.PublicKey.CurveID())
}

// Verify checks a signature of data against a self-describing public key.
func Verify(pk address.PublicKey, data []byte, sig []byte) bool {
	if pk.Validate() != nil {
		return false
	}

	switch pk.CurveID() {
	case address.CurveED25519:
		return ed25519.Verify(ed25519.PublicKey(pk.KeyBytes()), data, sig)

	case address.CurveP256:
		x, y := elliptic.Unmarshal(elliptic.P256(), pk.KeyBytes())
		if x == nil {
			return false
		}
		pub := ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
		digest := sha256.Sum256(data)
		return ecdsa.VerifyASN1(&pub, digest[:], sig)

	case address.CurveSecp256k1:
		if len(sig) < 64 {
			return false
		}
		digest := ethcrypto.Keccak256(data)
		return ethcrypto.VerifySignature(pk.KeyBytes(), digest, sig[:64])
	}

	return false
}

// =============================================================================

// p256Scalar folds 32 bytes of key material into a non zero scalar of the
// P-256 group.
func p256Scalar(material []byte) *big.Int {
	n := new(big.Int).Sub(elliptic.P256().Params().N, big.NewInt(1))

	scalar := new(big.Int).SetBytes(material)
	scalar.Mod(scalar, n)
	scalar.Add(scalar, big.NewInt(1))

	return scalar
}

// p256PrivateKey rebuilds the ecdsa private key from the stored scalar.
func p256PrivateKey(d []byte) (*ecdsa.PrivateKey, error) {
	if len(d) != 32 {
		return nil, errors.New("invalid p256 private key length")
	}

	priv := ecdsa.PrivateKey{D: new(big.Int).SetBytes(d)}
	priv.PublicKey.Curve = elliptic.P256()
	priv.PublicKey.X, priv.PublicKey.Y = elliptic.P256().ScalarBaseMult(d)

	return &priv, nil
}
