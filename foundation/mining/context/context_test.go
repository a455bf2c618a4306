package context_test

import (
	"bytes"
	"testing"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/transaction"
	mcontext "github.com/archethic/node/foundation/mining/context"
	"github.com/archethic/node/foundation/peer"
	"github.com/bits-and-blooms/bitset"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

func node(fill byte) peer.Node {
	key := address.NewPublicKey(address.CurveED25519, 0, bytes.Repeat([]byte{fill}, 32))
	return peer.Node{
		FirstPublicKey: key,
		LastPublicKey:  key,
		Host:           "test",
		Authorized:     true,
		Available:      true,
	}
}

func stamp(fill byte, inconsistencies []byte) transaction.CrossValidationStamp {
	return transaction.CrossValidationStamp{
		NodePublicKey:   address.NewPublicKey(address.CurveED25519, 0, bytes.Repeat([]byte{fill}, 32)),
		Signature:       bytes.Repeat([]byte{fill}, 64),
		Inconsistencies: inconsistencies,
	}
}

func newContext(validators ...peer.Node) mcontext.Context {
	tx := transaction.Transaction{
		Address: address.New(address.CurveED25519, address.HashSHA256, bytes.Repeat([]byte{0x11}, 32)),
	}
	storage := []peer.Node{node(0xD1), node(0xD2), node(0xD3)}

	return mcontext.New(tx, node(0xAA), validators, storage, nil, nil)
}

func TestConfirmationPredicates(t *testing.T) {
	t.Log("Given the need to track which cross validators contributed context.")
	{
		t.Logf("\tTest 0:\tWhen two of two cross validators confirm.")
		{
			ctx := newContext(node(0x01), node(0x02), node(0x03))

			if ctx.EnoughConfirmations() {
				t.Fatalf("\t%s\tTest 0:\tShould not report enough confirmations with none.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould not report enough confirmations with none.", success)

			ctx = ctx.AggregateMiningContext(0, nil, bitset.New(3), bitset.New(3))
			if ctx.EnoughConfirmations() {
				t.Fatalf("\t%s\tTest 0:\tShould not report enough confirmations with one of two.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould not report enough confirmations with one of two.", success)

			ctx = ctx.AggregateMiningContext(1, nil, nil, nil)
			if !ctx.EnoughConfirmations() {
				t.Fatalf("\t%s\tTest 0:\tShould report enough confirmations with two of two.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould report enough confirmations with two of two.", success)

			if len(ctx.ConfirmedCrossValidators()) != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould list both confirmed cross validators.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould list both confirmed cross validators.", success)
		}

		t.Logf("\tTest 1:\tWhen looking up committee positions.")
		{
			ctx := newContext(node(0x01), node(0x02), node(0x03))

			if !ctx.Coordinator().LastPublicKey.Equal(node(0x01).LastPublicKey) {
				t.Fatalf("\t%s\tTest 1:\tShould name the first validator coordinator.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould name the first validator coordinator.", success)

			idx, ok := ctx.CrossValidatorIndex(node(0x03).LastPublicKey)
			if !ok || idx != 1 {
				t.Fatalf("\t%s\tTest 1:\tShould find the second cross validator at index 1.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould find the second cross validator at index 1.", success)

			if _, ok := ctx.CrossValidatorIndex(node(0x99).LastPublicKey); ok {
				t.Fatalf("\t%s\tTest 1:\tShould reject an unknown key.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould reject an unknown key.", success)
		}
	}
}

func TestAtomicCommitment(t *testing.T) {
	t.Log("Given the need to detect atomic commitment across stamps.")
	{
		tt := []struct {
			name   string
			stamps []transaction.CrossValidationStamp
			want   bool
		}{
			{"no stamps", nil, false},
			{"single affirmative", []transaction.CrossValidationStamp{stamp(0x01, nil)}, true},
			{"all affirmative", []transaction.CrossValidationStamp{stamp(0x01, nil), stamp(0x02, nil)}, true},
			{"identical disagreement", []transaction.CrossValidationStamp{
				stamp(0x01, []byte{transaction.InconsistencyProofOfWork}),
				stamp(0x02, []byte{transaction.InconsistencyProofOfWork}),
			}, true},
			{"divergent", []transaction.CrossValidationStamp{
				stamp(0x01, nil),
				stamp(0x02, []byte{transaction.InconsistencyProofOfWork}),
			}, false},
		}

		for testID, tst := range tt {
			t.Logf("\tTest %d:\tWhen handling %s.", testID, tst.name)
			{
				ctx := newContext(node(0x01), node(0x02), node(0x03))
				for _, s := range tst.stamps {
					ctx = ctx.AddCrossValidationStamp(s)
				}

				if got := ctx.AtomicCommitment(); got != tst.want {
					t.Fatalf("\t%s\tTest %d:\tShould report %t, got %t", failed, testID, tst.want, got)
				}
				t.Logf("\t%s\tTest %d:\tShould report %t.", success, testID, tst.want)
			}
		}
	}
}

func TestStorageConfirmations(t *testing.T) {
	t.Log("Given the need to count storage acknowledgements.")
	{
		t.Logf("\tTest 0:\tWhen every elected replica must acknowledge.")
		{
			ctx := newContext(node(0x01), node(0x02))

			for i := 0; i < 3; i++ {
				if ctx.EnoughStorageConfirmations() {
					t.Fatalf("\t%s\tTest 0:\tShould not be satisfied with %d of 3 acks.", failed, i)
				}
				ctx = ctx.AddStorageConfirmation(i, bytes.Repeat([]byte{byte(i)}, 64))
			}

			if !ctx.EnoughStorageConfirmations() {
				t.Fatalf("\t%s\tTest 0:\tShould be satisfied with 3 of 3 acks.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould be satisfied only with every replica acknowledged.", success)

			if len(ctx.Confirmations()) != 3 {
				t.Fatalf("\t%s\tTest 0:\tShould list every confirmation.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould list every confirmation.", success)
		}

		t.Logf("\tTest 1:\tWhen a quorum threshold is configured.")
		{
			ctx := newContext(node(0x01), node(0x02))
			ctx.StorageThreshold = 2

			ctx = ctx.AddStorageConfirmation(0, bytes.Repeat([]byte{0x01}, 64))
			if ctx.EnoughStorageConfirmations() {
				t.Fatalf("\t%s\tTest 1:\tShould not be satisfied below the threshold.", failed)
			}

			ctx = ctx.AddStorageConfirmation(2, bytes.Repeat([]byte{0x02}, 64))
			if !ctx.EnoughStorageConfirmations() {
				t.Fatalf("\t%s\tTest 1:\tShould be satisfied at the threshold.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould honor the configured quorum.", success)
		}
	}
}

func TestEnoughCrossValidationStamps(t *testing.T) {
	t.Log("Given the need to wait for every confirmed cross validator's stamp.")
	{
		t.Logf("\tTest 0:\tWhen two cross validators confirmed.")
		{
			ctx := newContext(node(0x01), node(0x02), node(0x03))
			ctx = ctx.AggregateMiningContext(0, nil, nil, nil)
			ctx = ctx.AggregateMiningContext(1, nil, nil, nil)

			ctx = ctx.AddCrossValidationStamp(stamp(0x02, nil))
			if ctx.EnoughCrossValidationStamps() {
				t.Fatalf("\t%s\tTest 0:\tShould keep waiting with one of two stamps.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould keep waiting with one of two stamps.", success)

			// A duplicate from the same node does not advance the count.
			ctx = ctx.AddCrossValidationStamp(stamp(0x02, nil))
			if ctx.EnoughCrossValidationStamps() {
				t.Fatalf("\t%s\tTest 0:\tShould ignore a duplicate stamp.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould ignore a duplicate stamp.", success)

			ctx = ctx.AddCrossValidationStamp(stamp(0x03, nil))
			if !ctx.EnoughCrossValidationStamps() {
				t.Fatalf("\t%s\tTest 0:\tShould be satisfied with both stamps.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould be satisfied with both stamps.", success)
		}
	}
}
