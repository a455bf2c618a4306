// Package p2p defines the logical messages the mining workflow exchanges
// between nodes and the client used to deliver them. The transport is the
// node's private HTTP API; the message set is the contract.
package p2p

import (
	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/transaction"
	"github.com/bits-and-blooms/bitset"
)

// StartMining hands a pending transaction from the welcome node to one of
// the elected validation nodes.
type StartMining struct {
	Transaction        transaction.Transaction `json:"transaction"`
	WelcomeNodeKey     address.PublicKey       `json:"welcome_node_key"`
	ValidationNodeKeys []address.PublicKey     `json:"validation_node_keys"`
}

// AddMiningContext carries a cross validator's view of the transaction
// context to the coordinator.
type AddMiningContext struct {
	TxAddress               address.Address     `json:"tx_address"`
	ValidatorPublicKey      address.PublicKey   `json:"validator_public_key"`
	PreviousStorageNodeKeys []address.PublicKey `json:"previous_storage_node_keys"`
	ChainStorageNodesView   *bitset.BitSet      `json:"chain_storage_nodes_view"`
	BeaconStorageNodesView  *bitset.BitSet      `json:"beacon_storage_nodes_view"`
}

// ReplicationTree partitions the replica sets into per-validator masks for
// the chain, beacon and IO replication roles.
type ReplicationTree struct {
	Chain  []*bitset.BitSet `json:"chain"`
	Beacon []*bitset.BitSet `json:"beacon"`
	IO     []*bitset.BitSet `json:"io"`
}

// CrossValidate distributes the validation stamp from the coordinator to the
// confirmed cross validators.
type CrossValidate struct {
	TxAddress                address.Address             `json:"tx_address"`
	ValidationStamp          transaction.ValidationStamp `json:"validation_stamp"`
	ReplicationTree          ReplicationTree             `json:"replication_tree"`
	ConfirmedValidationNodes *bitset.BitSet              `json:"confirmed_validation_nodes"`
}

// CrossValidationDone returns a cross validation stamp to the coordinator
// and the peer cross validators.
type CrossValidationDone struct {
	TxAddress            address.Address                  `json:"tx_address"`
	CrossValidationStamp transaction.CrossValidationStamp `json:"cross_validation_stamp"`
}

// ReplicateTransactionChain asks a chain storage node to persist the
// validated transaction and acknowledge with a signature.
type ReplicateTransactionChain struct {
	Transaction transaction.Transaction `json:"transaction"`
	AckStorage  bool                    `json:"ack_storage"`
}

// AcknowledgeStorage is a replica's signed confirmation that the validated
// transaction has been persisted. The signature covers the serialized
// transaction summary.
type AcknowledgeStorage struct {
	NodePublicKey address.PublicKey `json:"node_public_key"`
	Signature     []byte            `json:"signature"`
}

// ReplicateTransaction sends the validated transaction to an IO replication
// node, with no acknowledgement expected.
type ReplicateTransaction struct {
	Transaction transaction.Transaction `json:"transaction"`
}

// Confirmation pairs the index of a storage node in the elected set with its
// acknowledgement signature.
type Confirmation struct {
	NodeIndex int    `json:"node_index"`
	Signature []byte `json:"signature"`
}

// ReplicationAttestation notifies the welcome node and the beacon storage
// nodes that the transaction has been replicated.
type ReplicationAttestation struct {
	TransactionSummary transaction.Summary `json:"transaction_summary"`
	Confirmations      []Confirmation      `json:"confirmations"`
}

// UnspentOutputsResponse returns the unspent outputs of a chain.
type UnspentOutputsResponse struct {
	UnspentOutputs []transaction.UnspentOutput `json:"unspent_outputs"`
}

// P2PViewRequest asks a node for its availability view of a set of nodes.
type P2PViewRequest struct {
	NodePublicKeys []address.PublicKey `json:"node_public_keys"`
}

// P2PViewResponse carries back one bit per requested node.
type P2PViewResponse struct {
	View *bitset.BitSet `json:"view"`
}
