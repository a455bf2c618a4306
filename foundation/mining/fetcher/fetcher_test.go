package fetcher_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/transaction"
	"github.com/archethic/node/foundation/mining/fetcher"
	"github.com/archethic/node/foundation/p2p"
	"github.com/archethic/node/foundation/peer"
	"github.com/bits-and-blooms/bitset"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

func node(fill byte, host string) peer.Node {
	key := address.NewPublicKey(address.CurveED25519, 0, bytes.Repeat([]byte{fill}, 32))
	return peer.Node{FirstPublicKey: key, LastPublicKey: key, Host: host}
}

// flakyClient answers from live peers and hangs on dead ones.
type flakyClient struct {
	dead   map[string]bool
	prevTx transaction.Transaction
	utxos  []transaction.UnspentOutput
}

func (c *flakyClient) isDead(n peer.Node) bool {
	return c.dead[n.Host]
}

func (c *flakyClient) wait(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *flakyClient) SendStartMining(ctx context.Context, n peer.Node, m p2p.StartMining) error {
	return nil
}

func (c *flakyClient) SendMiningContext(ctx context.Context, n peer.Node, m p2p.AddMiningContext) error {
	return nil
}

func (c *flakyClient) SendCrossValidate(ctx context.Context, n peer.Node, m p2p.CrossValidate) error {
	return nil
}

func (c *flakyClient) SendCrossValidationDone(ctx context.Context, n peer.Node, m p2p.CrossValidationDone) error {
	return nil
}

func (c *flakyClient) ReplicateChain(ctx context.Context, n peer.Node, m p2p.ReplicateTransactionChain) (p2p.AcknowledgeStorage, error) {
	return p2p.AcknowledgeStorage{}, nil
}

func (c *flakyClient) ReplicateIO(ctx context.Context, n peer.Node, m p2p.ReplicateTransaction) error {
	return nil
}

func (c *flakyClient) SendAttestation(ctx context.Context, n peer.Node, m p2p.ReplicationAttestation) error {
	return nil
}

func (c *flakyClient) GetTransaction(ctx context.Context, n peer.Node, a address.Address) (transaction.Transaction, bool, error) {
	if c.isDead(n) {
		return transaction.Transaction{}, false, c.wait(ctx)
	}
	return c.prevTx, true, nil
}

func (c *flakyClient) GetUnspentOutputs(ctx context.Context, n peer.Node, a address.Address) ([]transaction.UnspentOutput, error) {
	if c.isDead(n) {
		return nil, c.wait(ctx)
	}
	return c.utxos, nil
}

func (c *flakyClient) GetP2PView(ctx context.Context, n peer.Node, keys []address.PublicKey) (*bitset.BitSet, error) {
	if c.isDead(n) {
		return nil, c.wait(ctx)
	}
	return bitset.New(uint(len(keys))), nil
}

func TestBestEffortAggregate(t *testing.T) {
	t.Log("Given the need to gather context from partially reachable peers.")
	{
		t.Logf("\tTest 0:\tWhen the closest storage node is down.")
		{
			prevAddress := address.New(address.CurveED25519, address.HashSHA256, bytes.Repeat([]byte{0x11}, 32))

			client := flakyClient{
				dead: map[string]bool{"s1": true},
				prevTx: transaction.Transaction{
					Address: prevAddress,
					Type:    transaction.TypeData,
				},
				utxos: []transaction.UnspentOutput{
					{From: prevAddress, Amount: 1000, Type: transaction.MovementUCO},
				},
			}

			storage := []peer.Node{node(0x01, "s1"), node(0x02, "s2"), node(0x03, "s3")}
			beacon := []peer.Node{node(0x04, "b1"), node(0x05, "b2")}

			f := fetcher.New(fetcher.Config{Client: &client, PeerTimeout: 100 * time.Millisecond})

			result := f.Fetch(context.Background(), prevAddress, storage, beacon)

			if result.PreviousTransaction == nil || !result.PreviousTransaction.Address.Equal(prevAddress) {
				t.Fatalf("\t%s\tTest 0:\tShould retrieve the previous transaction from a live peer.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould retrieve the previous transaction from a live peer.", success)

			if len(result.UnspentOutputs) != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould retrieve the unspent outputs.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould retrieve the unspent outputs.", success)

			if result.ChainStorageNodesView.Test(0) {
				t.Fatalf("\t%s\tTest 0:\tShould mark the dead peer unavailable.", failed)
			}
			if !result.ChainStorageNodesView.Test(1) || !result.ChainStorageNodesView.Test(2) {
				t.Fatalf("\t%s\tTest 0:\tShould mark the live peers available.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould build the chain availability view.", success)

			if result.BeaconStorageNodesView.Count() != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould mark both beacon peers available.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould build the beacon availability view.", success)

			if len(result.PreviousStorageNodeKeys) != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould list the responsive storage keys, got %d", failed, len(result.PreviousStorageNodeKeys))
			}
			t.Logf("\t%s\tTest 0:\tShould list the responsive storage keys.", success)
		}
	}
}
