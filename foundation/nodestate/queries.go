package nodestate

import (
	"time"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/transaction"
	"github.com/bits-and-blooms/bitset"
)

// GetTransaction returns a stored transaction.
func (n *Node) GetTransaction(txAddress address.Address) (transaction.Transaction, error) {
	return n.store.ReadTransaction(txAddress)
}

// TransactionExists reports whether the transaction is stored locally,
// within the bloom filter error bounds.
func (n *Node) TransactionExists(txAddress address.Address) bool {
	return n.store.Exists(txAddress)
}

// LastTransaction returns the most recent transaction of the chain the
// address belongs to.
func (n *Node) LastTransaction(txAddress address.Address) (transaction.Transaction, error) {
	last, err := n.index.LastChainAddress(txAddress)
	if err != nil {
		return transaction.Transaction{}, err
	}
	return n.store.ReadTransaction(last)
}

// LastAddress returns the chain head of the address, optionally bounded by
// a timestamp: the head with the greatest timestamp not after until.
func (n *Node) LastAddress(txAddress address.Address, until *time.Time) (address.Address, error) {
	if until == nil {
		return n.index.LastChainAddress(txAddress)
	}
	return n.index.LastChainAddressBefore(txAddress, *until)
}

// GetChain replays the chain of the address from the byte offset, one page
// at a time.
func (n *Node) GetChain(txAddress address.Address, fromOffset uint32) ([]transaction.Transaction, uint32, bool, error) {
	return n.store.ReadChain(txAddress, fromOffset)
}

// UnspentOutputs returns the current unspent outputs of the chain the
// address belongs to: the outputs recorded by the last validation stamp.
func (n *Node) UnspentOutputs(txAddress address.Address) ([]transaction.UnspentOutput, error) {
	last, err := n.LastTransaction(txAddress)
	if err != nil {
		return nil, nil
	}

	if last.ValidationStamp == nil {
		return nil, nil
	}

	return last.ValidationStamp.LedgerOperations.UnspentOutputs, nil
}

// Balance sums the UCO unspent outputs of the chain the address belongs to.
func (n *Node) Balance(txAddress address.Address) uint64 {
	utxos, _ := n.UnspentOutputs(txAddress)

	var balance uint64
	for _, uo := range utxos {
		if uo.Type == transaction.MovementUCO {
			balance += uo.Amount
		}
	}

	return balance
}

// P2PView renders this node's availability view of the specified nodes,
// one bit per key in request order.
func (n *Node) P2PView(keys []address.PublicKey) *bitset.BitSet {
	view := bitset.New(uint(len(keys)))

	for i, key := range keys {
		if key.Equal(n.cfg.NodeKeys.PublicKey) {
			view.Set(uint(i))
			continue
		}
		if node, exists := n.cfg.KnownNodes.Get(key); exists && node.Available {
			view.Set(uint(i))
		}
	}

	return view
}
