package crypto_test

import (
	"bytes"
	"testing"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/crypto"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

func TestHashAlgorithms(t *testing.T) {
	t.Log("Given the need to digest data with every supported algorithm.")
	{
		tt := []struct {
			name   string
			algoID byte
			size   int
		}{
			{"sha256", address.HashSHA256, 32},
			{"sha512", address.HashSHA512, 64},
			{"sha3-256", address.HashSHA3_256, 32},
			{"sha3-512", address.HashSHA3_512, 64},
			{"blake2b", address.HashBlake2b, 64},
		}

		for testID, tst := range tt {
			t.Logf("\tTest %d:\tWhen hashing with %s.", testID, tst.name)
			{
				digest, err := crypto.Hash(tst.algoID, []byte("archethic"))
				if err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to hash: %v", failed, testID, err)
				}
				t.Logf("\t%s\tTest %d:\tShould be able to hash.", success, testID)

				if len(digest) != tst.size {
					t.Fatalf("\t%s\tTest %d:\tShould produce a %d byte digest, got %d", failed, testID, tst.size, len(digest))
				}
				t.Logf("\t%s\tTest %d:\tShould produce a %d byte digest.", success, testID, tst.size)

				again, err := crypto.Hash(tst.algoID, []byte("archethic"))
				if err != nil || !bytes.Equal(digest, again) {
					t.Fatalf("\t%s\tTest %d:\tShould hash deterministically.", failed, testID)
				}
				t.Logf("\t%s\tTest %d:\tShould hash deterministically.", success, testID)
			}
		}

		t.Logf("\tTest 5:\tWhen hashing with an unknown algorithm.")
		{
			if _, err := crypto.Hash(0xFF, []byte("archethic")); err == nil {
				t.Fatalf("\t%s\tTest 5:\tShould reject an unknown algorithm id.", failed)
			}
			t.Logf("\t%s\tTest 5:\tShould reject an unknown algorithm id.", success)
		}
	}
}

func TestSignVerifyAcrossCurves(t *testing.T) {
	t.Log("Given the need to sign and verify on every supported curve.")
	{
		curves := []struct {
			name    string
			curveID byte
		}{
			{"ed25519", address.CurveED25519},
			{"p256", address.CurveP256},
			{"secp256k1", address.CurveSecp256k1},
		}

		payload := []byte("validation stamp payload")

		for testID, tst := range curves {
			t.Logf("\tTest %d:\tWhen using curve %s.", testID, tst.name)
			{
				kp, err := crypto.GenerateKeyPair(tst.curveID, 0)
				if err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to generate a key pair: %v", failed, testID, err)
				}
				t.Logf("\t%s\tTest %d:\tShould be able to generate a key pair.", success, testID)

				if err := kp.PublicKey.Validate(); err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould produce a well formed public key: %v", failed, testID, err)
				}
				t.Logf("\t%s\tTest %d:\tShould produce a well formed public key.", success, testID)

				sig, err := crypto.Sign(kp, payload)
				if err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to sign: %v", failed, testID, err)
				}
				t.Logf("\t%s\tTest %d:\tShould be able to sign.", success, testID)

				if !crypto.Verify(kp.PublicKey, payload, sig) {
					t.Fatalf("\t%s\tTest %d:\tShould verify the signature.", failed, testID)
				}
				t.Logf("\t%s\tTest %d:\tShould verify the signature.", success, testID)

				if crypto.Verify(kp.PublicKey, []byte("tampered payload"), sig) {
					t.Fatalf("\t%s\tTest %d:\tShould reject a tampered payload.", failed, testID)
				}
				t.Logf("\t%s\tTest %d:\tShould reject a tampered payload.", success, testID)

				other, err := crypto.GenerateKeyPair(tst.curveID, 0)
				if err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to generate a second pair: %v", failed, testID, err)
				}
				if crypto.Verify(other.PublicKey, payload, sig) {
					t.Fatalf("\t%s\tTest %d:\tShould reject the wrong public key.", failed, testID)
				}
				t.Logf("\t%s\tTest %d:\tShould reject the wrong public key.", success, testID)
			}
		}

		t.Logf("\tTest 3:\tWhen using an unknown curve.")
		{
			if _, err := crypto.GenerateKeyPair(0xFF, 0); err == nil {
				t.Fatalf("\t%s\tTest 3:\tShould reject an unknown curve id.", failed)
			}
			t.Logf("\t%s\tTest 3:\tShould reject an unknown curve id.", success)
		}
	}
}

func TestDeriveKeyPair(t *testing.T) {
	t.Log("Given the need to derive chain keys deterministically from a seed.")
	{
		curves := []struct {
			name    string
			curveID byte
		}{
			{"ed25519", address.CurveED25519},
			{"p256", address.CurveP256},
			{"secp256k1", address.CurveSecp256k1},
		}

		seed := []byte("chain seed material")

		for testID, tst := range curves {
			t.Logf("\tTest %d:\tWhen deriving on curve %s.", testID, tst.name)
			{
				first, err := crypto.DeriveKeyPair(seed, 0, tst.curveID, 0)
				if err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to derive: %v", failed, testID, err)
				}

				again, err := crypto.DeriveKeyPair(seed, 0, tst.curveID, 0)
				if err != nil || !first.PublicKey.Equal(again.PublicKey) {
					t.Fatalf("\t%s\tTest %d:\tShould derive the same keys for the same inputs.", failed, testID)
				}
				t.Logf("\t%s\tTest %d:\tShould derive the same keys for the same inputs.", success, testID)

				next, err := crypto.DeriveKeyPair(seed, 1, tst.curveID, 0)
				if err != nil || first.PublicKey.Equal(next.PublicKey) {
					t.Fatalf("\t%s\tTest %d:\tShould rotate the keys with the index.", failed, testID)
				}
				t.Logf("\t%s\tTest %d:\tShould rotate the keys with the index.", success, testID)

				sig, err := crypto.Sign(first, []byte("derived key payload"))
				if err != nil || !crypto.Verify(first.PublicKey, []byte("derived key payload"), sig) {
					t.Fatalf("\t%s\tTest %d:\tShould sign and verify with derived keys.", failed, testID)
				}
				t.Logf("\t%s\tTest %d:\tShould sign and verify with derived keys.", success, testID)
			}
		}
	}
}

func TestAddressFromPublicKey(t *testing.T) {
	t.Log("Given the need to derive chain addresses from public keys.")
	{
		t.Logf("\tTest 0:\tWhen deriving across curves and algorithms.")
		{
			for _, curveID := range []byte{address.CurveED25519, address.CurveP256, address.CurveSecp256k1} {
				kp, err := crypto.GenerateKeyPair(curveID, 0)
				if err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to generate keys: %v", failed, err)
				}

				addr, err := crypto.AddressFromPublicKey(kp.PublicKey, address.HashSHA256)
				if err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to derive the address: %v", failed, err)
				}

				if err := addr.Validate(); err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould derive a well formed address: %v", failed, err)
				}
				if addr.CurveID() != curveID || addr.HashAlgoID() != address.HashSHA256 {
					t.Fatalf("\t%s\tTest 0:\tShould carry the curve and algorithm ids.", failed)
				}
			}
			t.Logf("\t%s\tTest 0:\tShould derive well formed addresses on every curve.", success)
		}
	}
}
