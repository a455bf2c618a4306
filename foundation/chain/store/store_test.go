package store_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/index"
	"github.com/archethic/node/foundation/chain/store"
	"github.com/archethic/node/foundation/chain/transaction"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

func addr(subset byte, fill byte) address.Address {
	digest := bytes.Repeat([]byte{fill}, 32)
	digest[0] = subset
	return address.New(address.CurveED25519, address.HashSHA256, digest)
}

func pendingTx(a address.Address, content []byte) transaction.Transaction {
	return transaction.Transaction{
		Version:           transaction.Version,
		Address:           a,
		Type:              transaction.TypeTransfer,
		Data:              transaction.Data{Content: content},
		PreviousPublicKey: address.NewPublicKey(address.CurveED25519, 0, bytes.Repeat([]byte{0x01}, 32)),
		PreviousSignature: bytes.Repeat([]byte{0x02}, 64),
		OriginSignature:   bytes.Repeat([]byte{0x03}, 64),
	}
}

func newStore(t *testing.T, dbPath string) *store.Store {
	t.Helper()

	ix, err := index.New(index.Config{DBPath: dbPath})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct the index: %v", failed, err)
	}

	st, err := store.New(store.Config{DBPath: dbPath, Index: ix})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct the store: %v", failed, err)
	}

	return st
}

func TestAppendReadRoundTrip(t *testing.T) {
	dbPath := t.TempDir()

	t.Log("Given the need to persist and replay a transaction chain.")
	{
		t.Logf("\tTest 0:\tWhen appending three transactions to one chain.")
		{
			st := newStore(t, dbPath)
			defer st.Close()

			genesis := addr(0x07, 0x00)
			txs := []transaction.Transaction{
				pendingTx(addr(0x07, 0x11), []byte("first")),
				pendingTx(addr(0x07, 0x22), []byte("second with more content")),
				pendingTx(addr(0x07, 0x33), []byte("third")),
			}

			var wantOffset uint32
			for _, tx := range txs {
				if err := st.Append(genesis, tx); err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to append: %v", failed, err)
				}

				entry, err := st.Index().Get(tx.Address)
				if err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould index the append: %v", failed, err)
				}
				if entry.Offset != wantOffset {
					t.Fatalf("\t%s\tTest 0:\tShould assign monotonic offsets, want %d got %d", failed, wantOffset, entry.Offset)
				}
				wantOffset += entry.Size
			}
			t.Logf("\t%s\tTest 0:\tShould append with strictly monotonic offsets from 0.", success)

			for _, tx := range txs {
				got, err := st.ReadTransaction(tx.Address)
				if err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould read the transaction back: %v", failed, err)
				}
				if !got.Address.Equal(tx.Address) || !bytes.Equal(got.Data.Content, tx.Data.Content) {
					t.Fatalf("\t%s\tTest 0:\tShould read back identical content for %s", failed, tx.Address)
				}
			}
			t.Logf("\t%s\tTest 0:\tShould read every transaction back by address.", success)

			replay, _, more, err := st.ReadChain(txs[0].Address, 0)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould replay the chain: %v", failed, err)
			}
			if more || len(replay) != 3 {
				t.Fatalf("\t%s\tTest 0:\tShould replay all three records, got %d more[%t]", failed, len(replay), more)
			}
			for i := range txs {
				if !replay[i].Address.Equal(txs[i].Address) {
					t.Fatalf("\t%s\tTest 0:\tShould replay in append order.", failed)
				}
			}
			t.Logf("\t%s\tTest 0:\tShould replay the chain in append order.", success)

			if st.Index().CountByType(transaction.TypeTransfer) != 3 {
				t.Fatalf("\t%s\tTest 0:\tShould record the type index.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould record the type index.", success)
		}
	}
}

func TestParallelChains(t *testing.T) {
	dbPath := t.TempDir()

	t.Log("Given the need to append to many chains concurrently.")
	{
		t.Logf("\tTest 0:\tWhen 8 chains receive 5 transactions each.")
		{
			st := newStore(t, dbPath)
			defer st.Close()

			var wg sync.WaitGroup
			for c := byte(0); c < 8; c++ {
				wg.Add(1)
				go func(c byte) {
					defer wg.Done()

					genesis := addr(c, 0x00)
					for i := byte(1); i <= 5; i++ {
						tx := pendingTx(addr(c, i), bytes.Repeat([]byte{i}, int(i)*10))
						if err := st.Append(genesis, tx); err != nil {
							t.Errorf("\t%s\tTest 0:\tShould be able to append: %v", failed, err)
							return
						}
					}
				}(c)
			}
			wg.Wait()
			t.Logf("\t%s\tTest 0:\tShould complete every append.", success)

			for c := byte(0); c < 8; c++ {
				stats := st.Index().Stats(addr(c, 0x00))
				if stats.TxCount != 5 {
					t.Fatalf("\t%s\tTest 0:\tShould count 5 transactions per chain, got %d", failed, stats.TxCount)
				}

				var offset uint32
				for i := byte(1); i <= 5; i++ {
					entry, err := st.Index().Get(addr(c, i))
					if err != nil {
						t.Fatalf("\t%s\tTest 0:\tShould index every transaction: %v", failed, err)
					}
					if entry.Offset != offset {
						t.Fatalf("\t%s\tTest 0:\tShould keep per chain offsets monotonic.", failed)
					}
					offset += entry.Size
				}
			}
			t.Logf("\t%s\tTest 0:\tShould keep every chain ordered and fully counted.", success)
		}
	}
}

func TestBeaconSummaryExclusive(t *testing.T) {
	dbPath := t.TempDir()

	t.Log("Given the need to write beacon summaries exactly once.")
	{
		t.Logf("\tTest 0:\tWhen writing the same summary address twice.")
		{
			st := newStore(t, dbPath)
			defer st.Close()

			summary := addr(0x42, 0x42)

			if err := st.WriteBeaconSummary(summary, []byte("slot data")); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to write the summary: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to write the summary.", success)

			err := st.WriteBeaconSummary(summary, []byte("other data"))
			if !errors.Is(err, store.ErrSummaryExists) {
				t.Fatalf("\t%s\tTest 0:\tShould reject the rewrite, got %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject the rewrite.", success)

			data, err := st.ReadBeaconSummary(summary)
			if err != nil || !bytes.Equal(data, []byte("slot data")) {
				t.Fatalf("\t%s\tTest 0:\tShould keep the original summary bytes.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould keep the original summary bytes.", success)
		}
	}
}
