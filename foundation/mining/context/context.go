// Package context holds the accumulated state of one mining workflow: the
// elected committees, the gathered transaction context, the stamps and the
// storage confirmations. A Context is a pure value; every transition returns
// a new Context with the change applied, the worker owns the current one.
package context

import (
	"bytes"

	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/transaction"
	"github.com/archethic/node/foundation/p2p"
	"github.com/archethic/node/foundation/peer"
	"github.com/bits-and-blooms/bitset"
)

// Context represents the state of one transaction validation across the
// elected committee.
type Context struct {
	Transaction  transaction.Transaction
	WelcomeNode  peer.Node
	PendingValid bool

	// ValidationNodes is the ordered election result; the first node is the
	// coordinator, the rest are the cross validators.
	ValidationNodes    []peer.Node
	ChainStorageNodes  []peer.Node
	BeaconStorageNodes []peer.Node
	IOStorageNodes     []peer.Node

	// Gathered transaction context.
	PreviousTransaction     *transaction.Transaction
	UnspentOutputs          []transaction.UnspentOutput
	PreviousStorageNodeKeys []address.PublicKey
	ChainStorageNodesView   *bitset.BitSet
	BeaconStorageNodesView  *bitset.BitSet

	// CrossValidationNodeConfirmation has one bit per cross validator,
	// set when that validator contributed its mining context.
	CrossValidationNodeConfirmation *bitset.BitSet

	ValidationStamp       *transaction.ValidationStamp
	CrossValidationStamps []transaction.CrossValidationStamp
	ReplicationTree       p2p.ReplicationTree

	// StorageConfirmations maps the index of a chain storage node in the
	// elected set to its verified acknowledgement signature.
	StorageConfirmations map[int][]byte

	// StorageThreshold is the number of chain replica acknowledgements
	// required; zero means every elected replica.
	StorageThreshold int
}

// New constructs the context of a fresh mining workflow.
func New(tx transaction.Transaction, welcomeNode peer.Node, validationNodes []peer.Node, chainStorageNodes []peer.Node, beaconStorageNodes []peer.Node, ioStorageNodes []peer.Node) Context {
	return Context{
		Transaction:                     tx,
		WelcomeNode:                     welcomeNode,
		ValidationNodes:                 validationNodes,
		ChainStorageNodes:               chainStorageNodes,
		BeaconStorageNodes:              beaconStorageNodes,
		IOStorageNodes:                  ioStorageNodes,
		CrossValidationNodeConfirmation: bitset.New(uint(max(len(validationNodes)-1, 0))),
		StorageConfirmations:            make(map[int][]byte),
	}
}

// Coordinator returns the elected coordinator node.
func (c Context) Coordinator() peer.Node {
	return c.ValidationNodes[0]
}

// CrossValidators returns the elected cross validators, coordinator
// excluded.
func (c Context) CrossValidators() []peer.Node {
	return c.ValidationNodes[1:]
}

// CrossValidatorIndex returns the position of a node key among the cross
// validators, or false when the key is not one of them.
func (c Context) CrossValidatorIndex(lastPublicKey address.PublicKey) (int, bool) {
	for i, node := range c.CrossValidators() {
		if node.LastPublicKey.Equal(lastPublicKey) {
			return i, true
		}
	}
	return 0, false
}

// StorageNodeIndex returns the position of a node key in the elected chain
// storage set.
func (c Context) StorageNodeIndex(firstPublicKey address.PublicKey) (int, bool) {
	for i, node := range c.ChainStorageNodes {
		if node.FirstPublicKey.Equal(firstPublicKey) {
			return i, true
		}
	}
	return 0, false
}

// =============================================================================
// Transitions. Each returns a new Context with the change applied.

// WithPendingValidation records the outcome of the pending transaction
// validation.
func (c Context) WithPendingValidation(valid bool) Context {
	c.PendingValid = valid
	return c
}

// WithLocalContext records the transaction context this node fetched from
// the storage replicas.
func (c Context) WithLocalContext(prevTx *transaction.Transaction, utxos []transaction.UnspentOutput, prevStorageKeys []address.PublicKey, chainView *bitset.BitSet, beaconView *bitset.BitSet) Context {
	c.PreviousTransaction = prevTx
	c.UnspentOutputs = utxos
	c.PreviousStorageNodeKeys = prevStorageKeys
	c.ChainStorageNodesView = chainView
	c.BeaconStorageNodesView = beaconView
	return c
}

// AggregateMiningContext merges a confirmed cross validator's context into
// the coordinator's: the availability views are united and the validator's
// confirmation bit is set.
func (c Context) AggregateMiningContext(validatorIndex int, prevStorageKeys []address.PublicKey, chainView *bitset.BitSet, beaconView *bitset.BitSet) Context {
	c.ChainStorageNodesView = union(c.ChainStorageNodesView, chainView)
	c.BeaconStorageNodesView = union(c.BeaconStorageNodesView, beaconView)

	if len(prevStorageKeys) > len(c.PreviousStorageNodeKeys) {
		c.PreviousStorageNodeKeys = prevStorageKeys
	}

	confirmation := c.CrossValidationNodeConfirmation.Clone()
	confirmation.Set(uint(validatorIndex))
	c.CrossValidationNodeConfirmation = confirmation

	return c
}

// WithConfirmation replaces the cross validator confirmation bitstring,
// used by cross validators when the coordinator announces who confirmed.
func (c Context) WithConfirmation(confirmed *bitset.BitSet) Context {
	c.CrossValidationNodeConfirmation = confirmed
	return c
}

// WithValidationStamp records the coordinator's validation stamp.
func (c Context) WithValidationStamp(stamp transaction.ValidationStamp) Context {
	c.ValidationStamp = &stamp
	return c
}

// WithReplicationTree records the replication tree built by the coordinator.
func (c Context) WithReplicationTree(tree p2p.ReplicationTree) Context {
	c.ReplicationTree = tree
	return c
}

// AddCrossValidationStamp accumulates a cross validation stamp, ignoring
// duplicates from the same node.
func (c Context) AddCrossValidationStamp(stamp transaction.CrossValidationStamp) Context {
	for _, existing := range c.CrossValidationStamps {
		if existing.NodePublicKey.Equal(stamp.NodePublicKey) {
			return c
		}
	}

	stamps := make([]transaction.CrossValidationStamp, len(c.CrossValidationStamps), len(c.CrossValidationStamps)+1)
	copy(stamps, c.CrossValidationStamps)
	c.CrossValidationStamps = append(stamps, stamp)

	return c
}

// AddStorageConfirmation records a verified storage acknowledgement.
func (c Context) AddStorageConfirmation(nodeIndex int, signature []byte) Context {
	confirmations := make(map[int][]byte, len(c.StorageConfirmations)+1)
	for k, v := range c.StorageConfirmations {
		confirmations[k] = v
	}
	confirmations[nodeIndex] = signature
	c.StorageConfirmations = confirmations

	return c
}

// ValidatedTransaction returns the transaction with the stamps applied,
// ready for replication.
func (c Context) ValidatedTransaction() transaction.Transaction {
	tx := c.Transaction
	tx.ValidationStamp = c.ValidationStamp
	tx.CrossValidationStamps = c.CrossValidationStamps
	return tx
}

// Confirmations returns the collected storage confirmations ordered by node
// index.
func (c Context) Confirmations() []p2p.Confirmation {
	var confirmations []p2p.Confirmation
	for i := range c.ChainStorageNodes {
		if sig, exists := c.StorageConfirmations[i]; exists {
			confirmations = append(confirmations, p2p.Confirmation{NodeIndex: i, Signature: sig})
		}
	}
	return confirmations
}

// =============================================================================
// Predicates.

// EnoughConfirmations reports whether every expected cross validator has
// contributed its mining context.
func (c Context) EnoughConfirmations() bool {
	return int(c.CrossValidationNodeConfirmation.Count()) == len(c.CrossValidators())
}

// ConfirmedCrossValidators returns the cross validators whose confirmation
// bit is set.
func (c Context) ConfirmedCrossValidators() []peer.Node {
	var nodes []peer.Node
	for i, node := range c.CrossValidators() {
		if c.CrossValidationNodeConfirmation.Test(uint(i)) {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// EnoughCrossValidationStamps reports whether every confirmed cross
// validator has returned its stamp.
func (c Context) EnoughCrossValidationStamps() bool {
	return len(c.CrossValidationStamps) >= int(c.CrossValidationNodeConfirmation.Count())
}

// AtomicCommitment reports whether every collected cross validation stamp
// reports the identical inconsistency list. The empty list on every stamp is
// the affirmative case.
func (c Context) AtomicCommitment() bool {
	if len(c.CrossValidationStamps) == 0 {
		return false
	}

	reference := c.CrossValidationStamps[0].Inconsistencies
	for _, stamp := range c.CrossValidationStamps[1:] {
		if !bytes.Equal(reference, stamp.Inconsistencies) {
			return false
		}
	}

	return true
}

// EnoughStorageConfirmations reports whether the required quorum of chain
// storage replicas has acknowledged.
func (c Context) EnoughStorageConfirmations() bool {
	threshold := c.StorageThreshold
	if threshold <= 0 || threshold > len(c.ChainStorageNodes) {
		threshold = len(c.ChainStorageNodes)
	}
	return len(c.StorageConfirmations) >= threshold
}

// =============================================================================

// union returns the bitwise or of two views, tolerating nil on either side.
func union(a *bitset.BitSet, b *bitset.BitSet) *bitset.BitSet {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return b.Clone()
	case b == nil:
		return a.Clone()
	}
	return a.Union(b)
}
